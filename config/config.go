package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load will find all yaml files within path and merge them in lexical order
func (c *C) Load(path string) error {
	raw, err := ReadConfigFiles(path)
	if err != nil {
		return err
	}

	c.path = path
	return c.parse(raw...)
}

// LoadString parses raw as a single yaml document, replacing all settings
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}
	return c.parse(raw)
}

// RegisterReloadCallback stores a function to be called when a config reload is triggered. The functions registered
// here should decide if they need to make a change to the current process before making the change. HasChanged can be
// used to help decide if a change is necessary.
// These functions should return quickly or spawn their own go routine if they will take a while
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true if this is the first load of the config, and ReloadConfig has not been called yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged checks if the underlying structure of the provided key has changed after a config reload. The value of
// k in both the old and new settings will be serialized, the result of the string comparison is returned.
// If k is an empty string the entire config is tested.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP will listen for the HUP signal in a go routine and reload all configs found in the
// original path provided to Load.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig reads the files found at the path given to Load again and calls every reload callback. A config that
// fails to load is logged and the current settings are kept.
func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := maps.Clone(c.Settings)
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}

	c.oldSettings = old
	c.runCallbacks()
}

// ReloadConfigString is ReloadConfig for a config held in memory
func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := maps.Clone(c.Settings)
	if err := c.LoadString(raw); err != nil {
		return err
	}

	c.oldSettings = old
	c.runCallbacks()
	return nil
}

func (c *C) runCallbacks() {
	for _, v := range c.callbacks {
		v(c)
	}
}

// GetString will get the string for k or return the default d if not found or invalid
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetStringSlice will get the slice of strings for k or return the default d if not found or invalid
func (c *C) GetStringSlice(k string, d []string) []string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	rv, ok := r.([]any)
	if !ok {
		return d
	}

	v := make([]string, len(rv))
	for i := range rv {
		v[i] = fmt.Sprintf("%v", rv[i])
	}

	return v
}

// GetIntSlice will get the slice of ints for k or return the default d if not found or any element is invalid
func (c *C) GetIntSlice(k string, d []int) []int {
	r := c.GetStringSlice(k, nil)
	if r == nil {
		return d
	}

	v := make([]int, len(r))
	for i, s := range r {
		n, err := parseInt(s)
		if err != nil {
			return d
		}
		v[i] = n
	}

	return v
}

// GetMap will get the map for k or return the default d if not found or invalid
func (c *C) GetMap(k string, d map[string]any) map[string]any {
	r := c.Get(k)
	if r == nil {
		return d
	}

	v, ok := r.(map[string]any)
	if !ok {
		return d
	}

	return v
}

// GetInt will get the int for k or return the default d if not found or invalid. Hex values with a 0x prefix are
// accepted.
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, strconv.Itoa(d))
	v, err := parseInt(r)
	if err != nil {
		return d
	}

	return v
}

// GetUint32 will get the uint32 for k or return the default d if not found or invalid
func (c *C) GetUint32(k string, d uint32) uint32 {
	r := c.GetInt(k, int(d))
	if r < 0 || uint64(r) > uint64(math.MaxUint32) {
		return d
	}
	return uint32(r)
}

// GetBool will get the bool for k or return the default d if not found or invalid
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, fmt.Sprintf("%v", d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}

	return v
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	r := c.GetString(k, "")
	v, err := time.ParseDuration(r)
	if err != nil {
		return d
	}
	return v
}

// GetByteSize will get a size in bytes for k or return the default d if not found or invalid. Plain numbers and the
// suffixes B, KiB, MiB and GiB are understood.
func (c *C) GetByteSize(k string, d int) int {
	r := c.Get(k)
	if r == nil {
		return d
	}

	v, err := ParseByteSize(fmt.Sprintf("%v", r))
	if err != nil {
		return d
	}
	return v
}

var byteSuffixes = []struct {
	suffix string
	mult   int
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"B", 1},
}

// ParseByteSize parses a size such as 4095, 16KiB or 0x4000
func ParseByteSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	mult := 1
	for _, b := range byteSuffixes {
		if strings.HasSuffix(s, b.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, b.suffix))
			mult = b.mult
			break
		}
	}

	v, err := parseInt(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %d", v)
	}
	if v > math.MaxInt/mult {
		return 0, fmt.Errorf("size %s overflows", s)
	}
	return v * mult, nil
}

func parseInt(s string) (int, error) {
	v, err := strconv.ParseInt(s, 0, 0)
	return int(v), err
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for p := range strings.SplitSeq(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}

func (c *C) parse(raw ...string) error {
	var m map[string]any

	for _, r := range raw {
		var nm map[string]any
		if err := yaml.Unmarshal([]byte(r), &nm); err != nil {
			return err
		}

		// Later documents override earlier ones, lists are appended so that
		// self test sizes can be spread over several files.
		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return err
		}
		m = nm
	}

	if m == nil {
		m = make(map[string]any)
	}
	c.Settings = m
	return nil
}
