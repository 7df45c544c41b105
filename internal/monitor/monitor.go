// Package monitor implements the optional framebuffer display: an
// ebiten-driven host window fed from a region of emulated memory,
// refreshed on demand through a small command channel.
package monitor

import (
	"fmt"
	"sync"

	"github.com/bassosimone/vm32/internal/mmu"
	"github.com/hajimehoshi/ebiten/v2"
)

// Args describes the framebuffer geometry and refresh rate.
type Args struct {
	Width  int
	Height int
	FPS    int
}

// command tags sent to the monitor's background goroutine.
type command int

const (
	cmdDraw command = iota
	cmdStop
)

// Monitor owns one host display window and services Draw/Stop commands
// sent from the emulator. Draw is issued synchronously: the caller
// blocks until the monitor replies on done.
type Monitor struct {
	mem  *mmu.MMU
	base uint32
	args Args

	cmds chan command
	done chan struct{}

	mu     sync.RWMutex
	pixels []byte // width*height*4 bytes, XRGB little-endian per pixel
	window *ebiten.Image
}

// New creates a Monitor over mem, reading its framebuffer from base.
// The host window and background goroutine are not started until Run
// is called.
func New(mem *mmu.MMU, base uint32, args Args) *Monitor {
	return &Monitor{
		mem:    mem,
		base:   base,
		args:   args,
		cmds:   make(chan command),
		done:   make(chan struct{}),
		pixels: make([]byte, args.Width*args.Height*4),
	}
}

// Run starts the host window and blocks until the window closes or Stop
// is called. It is meant to be called from its own goroutine, matching
// ebiten's requirement that RunGame own the calling goroutine.
func (m *Monitor) Run() error {
	ebiten.SetWindowSize(m.args.Width, m.args.Height)
	ebiten.SetWindowTitle("vm32 monitor")
	ebiten.SetTPS(m.args.FPS)
	if err := ebiten.RunGame(m); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

// RequestDraw sends a synchronous refresh request: it memcpy's the
// framebuffer range out of the MMU (unchecked — VRAM carries no
// protection semantics of its own) into the local pixel buffer, then
// blocks until the reply arrives.
func (m *Monitor) RequestDraw() {
	m.cmds <- cmdDraw
	<-m.done
}

// Stop asks the background goroutine to exit; it blocks until Update
// has picked up the command but does not wait for the window to close.
func (m *Monitor) Stop() {
	m.cmds <- cmdStop
}

// Update implements ebiten.Game: it drains pending commands without
// blocking the render loop for longer than one frame.
func (m *Monitor) Update() error {
	select {
	case cmd := <-m.cmds:
		switch cmd {
		case cmdDraw:
			m.refresh()
			m.done <- struct{}{}
		case cmdStop:
			return ebiten.Termination
		}
	default:
	}
	return nil
}

// refresh copies the framebuffer out of memory into the local pixel
// buffer. Out-of-range or faulting reads degrade to a black frame
// rather than crashing the display thread.
func (m *Monitor) refresh() {
	buf, err := m.mem.Memcpy(m.base, len(m.pixels))
	if err != nil {
		return
	}
	m.mu.Lock()
	copy(m.pixels, buf)
	m.mu.Unlock()
}

// Draw implements ebiten.Game: it blits the local pixel buffer onto the
// host window.
func (m *Monitor) Draw(screen *ebiten.Image) {
	if m.window == nil {
		m.window = ebiten.NewImage(m.args.Width, m.args.Height)
	}
	m.mu.RLock()
	m.window.WritePixels(m.pixels)
	m.mu.RUnlock()
	screen.DrawImage(m.window, nil)
}

// Layout implements ebiten.Game.
func (m *Monitor) Layout(_, _ int) (int, int) {
	return m.args.Width, m.args.Height
}
