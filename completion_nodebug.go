//go:build !dma_debug

package gdma

func (c *completion) doubleGive() {
	c.doubleGives.Inc(1)
	c.l.WithField("state", c.State()).Warn("Completion given twice without a take, dropping the second one")
}
