// Package console 主控交互控制台（标准输入逐行命令）。
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/can"
	"github.com/taoyao-code/can-audio/internal/discovery"
	"github.com/taoyao-code/can-audio/internal/dispatcher"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/transport"
)

// ErrQuit quit 命令
var ErrQuit = errors.New("console: quit")

// Controller 控制台用到的主控操作，controller.Service 满足
type Controller interface {
	Discover(ctx context.Context) ([]discovery.Module, error)
	Modules() []discovery.Module
	Play(ctx context.Context, p dispatcher.PlayRequest) (dispatcher.Request, error)
	PlayEvent(ctx context.Context, name string) (dispatcher.Request, error)
	Events() []string
	Stop(ctx context.Context, queueID uint8) (dispatcher.Request, error)
	StopAll(ctx context.Context) error
	Active() []dispatcher.Request
}

// Tap 帧观察，*transport.Tapped 满足
type Tap interface {
	SetTap(fn transport.TapFunc)
}

// Console 交互控制台
type Console struct {
	ctrl   Controller
	bus    transport.Transport
	tap    Tap
	out    io.Writer
	outMu  sync.Mutex
	logger *zap.Logger
}

// New 创建控制台；tap 为 nil 时 monitor 不可用
func New(ctrl Controller, bus transport.Transport, tap Tap, out io.Writer, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{ctrl: ctrl, bus: bus, tap: tap, out: out, logger: logger}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run 逐行读取命令，直到 quit、输入结束或 ctx 取消。
// quit 返回 ErrQuit，调用方据此结束进程；输入结束与取消返回 nil。
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	defer c.stopMonitor()

	c.printf("CAN audio controller console, type 'help' for commands\n> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, ErrQuit) {
					return err
				}
				c.printf("error: %v\n", err)
			}
			c.printf("> ")
		}
	}
}

// Execute 执行一行命令
func (c *Console) Execute(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "help", "?":
		c.help()
		return nil
	case "quit", "exit", "q":
		return ErrQuit
	case "discover":
		return c.discover(ctx)
	case "modules":
		c.modules()
		return nil
	case "play":
		return c.play(ctx, args)
	case "event":
		if len(args) != 1 {
			return fmt.Errorf("usage: event <name> (known: %s)", strings.Join(c.ctrl.Events(), ", "))
		}
		r, err := c.ctrl.PlayEvent(ctx, args[0])
		if err != nil {
			return err
		}
		c.printf("playing %s: sound %d on queue %d (token %d)\n", args[0], r.Index, r.QueueID, r.Token)
		return nil
	case "stop":
		return c.stop(ctx, args)
	case "stopall":
		if err := c.ctrl.StopAll(ctx); err != nil {
			return err
		}
		c.printf("stop_all sent\n")
		return nil
	case "stats":
		c.stats()
		return nil
	case "recover":
		if err := c.bus.Recover(); err != nil {
			return err
		}
		c.printf("bus recovered\n")
		return nil
	case "monitor":
		return c.monitor(args)
	default:
		return fmt.Errorf("unknown command %q, type 'help'", cmd)
	}
}

func (c *Console) help() {
	c.printf(`commands:
  discover                                   query the bus for modules
  modules                                    list known modules
  play <idx> [vol=N] [loop] [interrupt] [priority]
  event <name>                               play a named game event
  stop [qid]                                 stop a queue id (0 or empty: newest)
  stopall                                    stop every sound
  stats                                      bus counters and pending requests
  recover                                    clear a bus fault
  monitor on|off                             print every frame
  help, quit
`)
}

func (c *Console) discover(ctx context.Context) error {
	mods, err := c.ctrl.Discover(ctx)
	if err != nil {
		return err
	}
	c.printf("%d module(s) responded\n", len(mods))
	c.modules()
	return nil
}

func (c *Console) modules() {
	mods := c.ctrl.Modules()
	if len(mods) == 0 {
		c.printf("no modules known, run 'discover'\n")
		return
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tVERSION\tBLOCK\tLAST SEEN\tSTATUS")
	for _, m := range mods {
		status := "-"
		if m.Status != nil {
			status = fmt.Sprintf("%s vol=%d active=%d", m.Status.State, m.Status.Volume, m.Status.Active)
		}
		fmt.Fprintf(w, "%s\t%s\t0x%02X\t%s ago\t%s\n",
			m.Key, m.Version(), uint8(m.Block), time.Since(m.LastSeen).Truncate(time.Millisecond), status)
	}
	_ = w.Flush()
}

// parsePlay play <idx> [vol=N] [loop] [interrupt] [priority]
func parsePlay(args []string) (dispatcher.PlayRequest, error) {
	if len(args) == 0 {
		return dispatcher.PlayRequest{}, errors.New("usage: play <idx> [vol=N] [loop] [interrupt] [priority]")
	}
	idx, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return dispatcher.PlayRequest{}, fmt.Errorf("invalid sound index %q", args[0])
	}
	p := dispatcher.PlayRequest{Index: uint16(idx), Volume: audio.VolumeUseLocal}
	for _, a := range args[1:] {
		switch {
		case strings.HasPrefix(a, "vol="):
			v, err := strconv.ParseUint(strings.TrimPrefix(a, "vol="), 10, 8)
			if err != nil || v > 100 {
				return p, fmt.Errorf("invalid volume %q (0..100)", a)
			}
			p.Volume = uint8(v)
		case a == "loop":
			p.Flags |= audio.FlagLoop
		case a == "interrupt":
			p.Flags |= audio.FlagInterrupt
		case a == "priority":
			p.Flags |= audio.FlagPriority
		default:
			return p, fmt.Errorf("unknown play option %q", a)
		}
	}
	return p, nil
}

func (c *Console) play(ctx context.Context, args []string) error {
	p, err := parsePlay(args)
	if err != nil {
		return err
	}
	r, err := c.ctrl.Play(ctx, p)
	if err != nil {
		return err
	}
	c.printf("sound %d acknowledged on queue %d (token %d, %s)\n",
		r.Index, r.QueueID, r.Token, r.AckLatency().Truncate(time.Microsecond))
	return nil
}

func (c *Console) stop(ctx context.Context, args []string) error {
	var qid uint64
	if len(args) > 0 {
		var err error
		if qid, err = strconv.ParseUint(args[0], 0, 8); err != nil {
			return fmt.Errorf("invalid queue id %q", args[0])
		}
	}
	r, err := c.ctrl.Stop(ctx, uint8(qid))
	if err != nil {
		return err
	}
	c.printf("stop acknowledged for queue %d\n", r.QueueID)
	return nil
}

func (c *Console) stats() {
	st := c.bus.Stats()
	c.printf("bus %s/%s tx=%d rx=%d tx_err=%d rx_err=%d tx_timeout=%d recoveries=%d breaker=%s\n",
		st.Mode, st.Driver, st.TxFrames, st.RxFrames, st.TxErrors, st.RxErrors, st.TxTimeouts, st.Recoveries, st.Breaker.State)
	active := c.ctrl.Active()
	c.printf("%d request(s) in flight\n", len(active))
	for _, r := range active {
		c.printf("  token=%d %s sound=%d queue=%d %s\n", r.Token, r.Kind, r.Index, r.QueueID, r.State)
	}
}

func (c *Console) monitor(args []string) error {
	if c.tap == nil {
		return errors.New("monitor is not available on this transport")
	}
	if len(args) != 1 {
		return errors.New("usage: monitor on|off")
	}
	switch args[0] {
	case "on":
		c.tap.SetTap(func(dir transport.Direction, f can.Frame) {
			c.printf("%s %s\n", dir, audio.Describe(f))
		})
		c.printf("monitor on\n")
	case "off":
		c.stopMonitor()
		c.printf("monitor off\n")
	default:
		return errors.New("usage: monitor on|off")
	}
	return nil
}

func (c *Console) stopMonitor() {
	if c.tap != nil {
		c.tap.SetTap(nil)
	}
}
