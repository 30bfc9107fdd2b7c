// Package gpio strobes the reset line of a GPIO-expander-attached
// peripheral using /dev/gpiochipN ioctls. The expander itself, and the
// I²C bus it sits on, are opaque collaborators: this package only knows
// how to drive one output line low and back high.
package gpio

import (
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	GPIOHANDLE_REQUEST_OUTPUT        = 0x2
	GPIO_GET_LINEHANDLE_IOCTL        = 0xc16cb403
	GPIOHANDLE_SET_LINE_VALUES_IOCTL = 0xc040b409
)

type gpiohandlerequest struct {
	Lineoffsets   [64]uint32
	Flags         uint32
	DefaultValues [64]uint8
	ConsumerLabel [32]byte
	Lines         uint32
	Fd            uintptr
}

type gpiohandledata struct {
	Values [64]uint8
}

// ResetLine holds a GPIO chip device and line offset used to reset one
// peripheral (the thermal controller, the sensor controller, ...).
type ResetLine struct {
	Chip string // e.g. "/dev/gpiochip0"
	Line uint32
}

// Strobe holds line low for 150ms, optionally flushing pending data on
// uartfd while the peripheral is held in reset, then releases the line.
func (r ResetLine) Strobe(uartfd uintptr) error {
	f, err := os.Open(r.Chip)
	if err != nil {
		return err
	}
	defer f.Close()

	handlereq := gpiohandlerequest{
		Lineoffsets:   [64]uint32{r.Line},
		Flags:         GPIOHANDLE_REQUEST_OUTPUT,
		DefaultValues: [64]uint8{1},
		ConsumerLabel: [32]byte{'o', 'p', 'e', 'n', 's', 'l', 'e', 'e', 'p', 'd'},
		Lines:         1,
	}
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(f.Fd()), GPIO_GET_LINEHANDLE_IOCTL, uintptr(unsafe.Pointer(&handlereq))); errno != 0 {
		return fmt.Errorf("GPIO_GET_LINEHANDLE_IOCTL: %v", errno)
	}

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(handlereq.Fd), GPIOHANDLE_SET_LINE_VALUES_IOCTL, uintptr(unsafe.Pointer(&gpiohandledata{
		Values: [64]uint8{0},
	}))); errno != 0 {
		return fmt.Errorf("GPIOHANDLE_SET_LINE_VALUES_IOCTL: %v", errno)
	}
	time.Sleep(150 * time.Millisecond)

	if uartfd != 0 {
		if _, _, err := syscall.Syscall(syscall.SYS_IOCTL, uartfd, unix.TCFLSH, uintptr(syscall.TCIFLUSH)); err != 0 {
			return fmt.Errorf("TCFLSH: %v", err)
		}
	}

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(handlereq.Fd), GPIOHANDLE_SET_LINE_VALUES_IOCTL, uintptr(unsafe.Pointer(&gpiohandledata{
		Values: [64]uint8{1},
	}))); errno != 0 {
		return fmt.Errorf("GPIOHANDLE_SET_LINE_VALUES_IOCTL: %v", errno)
	}

	return nil
}
