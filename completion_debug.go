//go:build dma_debug

package gdma

import "fmt"

func (c *completion) doubleGive() {
	panic(fmt.Sprintf("gdma: completion given twice without a take, state %s", c.State()))
}
