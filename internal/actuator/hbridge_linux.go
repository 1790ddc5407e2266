//go:build linux

package actuator

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// hBridge drives an H-bridge via the Linux GPIO character device for the
// direction/disable lines and /sys/class/pwm for the magnitude input.
//
// Direction truth table: dir1=1,dir2=0 opens (positive duty); dir1=0,dir2=1
// closes (negative duty); both low coasts.
type hBridge struct {
	mu sync.Mutex

	chip    *gpiocdev.Chip
	dir1    *gpiocdev.Line
	dir2    *gpiocdev.Line
	disable *gpiocdev.Line

	pwmPath  string
	chipPath string
	channel  int
	periodNS uint64

	enabled    bool
	lastReason string
}

var pwmSysfsBase = "/sys/class/pwm"

func openHBridge(cfg Config) (Motor, error) {
	if cfg.Dir1Pin <= 0 || cfg.Dir2Pin <= 0 {
		return nil, fmt.Errorf("actuator: direction pins not configured")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "etbd"
	}
	if cfg.FrequencyHz <= 0 {
		cfg.FrequencyHz = 800
	}

	chip, err := findGPIOChip()
	if err != nil {
		return nil, err
	}

	b := &hBridge{chip: chip, channel: cfg.PWMChannel}

	b.dir1, err = chip.RequestLine(cfg.Dir1Pin, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(cfg.Consumer))
	if err == nil {
		b.dir2, err = chip.RequestLine(cfg.Dir2Pin, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(cfg.Consumer))
	}
	if err == nil && cfg.DisablePin > 0 {
		// Start disabled.
		b.disable, err = chip.RequestLine(cfg.DisablePin, gpiocdev.AsOutput(1), gpiocdev.WithConsumer(cfg.Consumer))
	}
	if err != nil {
		b.releaseLines()
		_ = chip.Close()
		return nil, fmt.Errorf("actuator: request gpio lines: %w", err)
	}

	if err := b.openPWM(cfg.FrequencyHz); err != nil {
		b.releaseLines()
		_ = chip.Close()
		return nil, err
	}

	return b, nil
}

func findGPIOChip() (*gpiocdev.Chip, error) {
	candidates := []string{"/dev/gpiochip0"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			candidates = append(candidates, filepath.Join("/dev", name))
		}
	}
	for _, path := range candidates {
		chip, err := gpiocdev.NewChip(path)
		if err == nil {
			return chip, nil
		}
	}
	return nil, fmt.Errorf("actuator: no usable gpiochip found")
}

func (b *hBridge) openPWM(freqHz int) error {
	base := pwmSysfsBase
	entries, err := os.ReadDir(base)
	if err != nil {
		return fmt.Errorf("actuator: read %s: %w", base, err)
	}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "pwmchip") {
			continue
		}
		chipPath := filepath.Join(base, name)
		n, rerr := readInt(filepath.Join(chipPath, "npwm"))
		if rerr != nil || n <= b.channel {
			continue
		}
		b.chipPath = chipPath
		b.pwmPath = filepath.Join(chipPath, fmt.Sprintf("pwm%d", b.channel))
		break
	}
	if b.pwmPath == "" {
		return fmt.Errorf("actuator: no sysfs pwmchip with channel %d (is the pwm overlay enabled?)", b.channel)
	}

	if err := b.ensureExported(); err != nil {
		return err
	}

	b.periodNS = periodNSForFrequency(freqHz)
	_ = b.writePWMBool("enable", false)
	if err := b.writePWMUint("period", b.periodNS); err != nil {
		return err
	}
	if err := b.writePWMUint("duty_cycle", 0); err != nil {
		return err
	}
	return b.writePWMBool("enable", true)
}

func (b *hBridge) ensureExported() error {
	if _, err := os.Stat(b.pwmPath); err == nil {
		return nil
	}
	exportPath := filepath.Join(b.chipPath, "export")
	if err := writeSysfs(exportPath, strconv.Itoa(b.channel)); err != nil {
		if _, statErr := os.Stat(b.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("actuator: export pwm: %w", err)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(b.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(b.pwmPath); err != nil {
		return fmt.Errorf("actuator: pwm path not created after export: %w", err)
	}
	return nil
}

func (b *hBridge) Enable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enabled {
		return nil
	}
	if b.disable != nil {
		if err := b.disable.SetValue(0); err != nil {
			return fmt.Errorf("actuator: enable bridge: %w", err)
		}
	}
	b.enabled = true
	b.lastReason = ""
	return nil
}

func (b *hBridge) Disable(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled && b.lastReason == reason {
		return
	}
	if b.enabled {
		log.Printf("actuator: disabled (%s)", reason)
	}
	b.enabled = false
	b.lastReason = reason

	_ = b.writePWMUint("duty_cycle", 0)
	if b.dir1 != nil {
		_ = b.dir1.SetValue(0)
	}
	if b.dir2 != nil {
		_ = b.dir2.SetValue(0)
	}
	if b.disable != nil {
		_ = b.disable.SetValue(1)
	}
}

func (b *hBridge) Set(duty float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d1, d2 := 0, 0
	mag := duty
	if duty > 0 {
		d1 = 1
	} else if duty < 0 {
		d2 = 1
		mag = -duty
	}

	if b.dir1 != nil {
		if err := b.dir1.SetValue(d1); err != nil {
			return fmt.Errorf("actuator: set dir1: %w", err)
		}
	}
	if b.dir2 != nil {
		if err := b.dir2.SetValue(d2); err != nil {
			return fmt.Errorf("actuator: set dir2: %w", err)
		}
	}
	return b.writePWMUint("duty_cycle", dutyToNS(mag, b.periodNS))
}

func (b *hBridge) Close() error {
	b.Disable("shutdown")
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.writePWMBool("enable", false)
	b.releaseLines()
	if b.chip != nil {
		_ = b.chip.Close()
		b.chip = nil
	}
	return nil
}

func (b *hBridge) releaseLines() {
	for _, l := range []**gpiocdev.Line{&b.dir1, &b.dir2, &b.disable} {
		if *l != nil {
			_ = (*l).SetValue(0)
			_ = (*l).Close()
			*l = nil
		}
	}
}

func (b *hBridge) writePWMUint(name string, v uint64) error {
	return writeSysfs(filepath.Join(b.pwmPath, name), strconv.FormatUint(v, 10))
}

func (b *hBridge) writePWMBool(name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(b.pwmPath, name), val)
}

func writeSysfs(path string, value string) error {
	// O_WRONLY without O_TRUNC/O_CREATE: some sysfs attributes reject
	// truncation flags. Freshly exported PWM nodes can also return EACCES
	// for a short window while udev adjusts permissions, so retry briefly.
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			lastErr = err
			if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
				time.Sleep(25 * time.Millisecond)
				continue
			}
			return err
		}
		_, werr := f.WriteString(value)
		cerr := f.Close()
		if werr == nil && cerr == nil {
			return nil
		}
		if werr != nil {
			lastErr = werr
		} else {
			lastErr = cerr
		}
		if time.Now().Before(deadline) && isRetryableSysfsErr(lastErr) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		if werr != nil && cerr != nil {
			return errors.Join(werr, cerr)
		}
		if werr != nil {
			return werr
		}
		return cerr
	}
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.Atoi(s)
}
