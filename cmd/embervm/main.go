package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/dc0d/onexit"
	"github.com/docker/go-units"

	"ember/hal"
	"ember/internal/buildinfo"
	"ember/signals"
	"ember/vm"
)

const newprompt = "\033[32member>\033[0m "

func main() {
	var fiberStack, profileBuf string
	var period time.Duration
	var stackLimit int
	var exitOnSigint bool
	flag.StringVar(&fiberStack, "fiber-stack", "128KiB", "Reserved collection stack size.")
	flag.StringVar(&profileBuf, "profile-buf", "512KiB", "Profile sample buffer size.")
	flag.DurationVar(&period, "profile-period", 10*time.Millisecond, "Sampling period.")
	flag.IntVar(&stackLimit, "stack-limit", vm.DefaultStackLimit, "Guest frame stack limit.")
	flag.BoolVar(&exitOnSigint, "exit-on-sigint", false, "Exit on Ctrl-C instead of delivering an interrupt.")
	flag.Parse()

	stackBytes, err := units.RAMInBytes(fiberStack)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -fiber-stack:", err)
		os.Exit(2)
	}
	bufBytes, err := units.RAMInBytes(profileBuf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -profile-buf:", err)
		os.Exit(2)
	}

	m := vm.NewMachine(vm.Config{StackLimit: stackLimit})
	log := hal.NewStderrLogger()
	e := signals.New(m, hal.New(), log, signals.Config{
		FiberStack:    int(stackBytes),
		ProfileBuffer: int(bufBytes) / 8,
		ProfilePeriod: period,
	})
	e.SetExitFunc(onexit.ForceExit)
	e.SetExitOnInterrupt(exitOnSigint)
	if err := e.Install(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	onexit.Register(func() { e.StopProfiler() })

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		for s := range sig {
			if s == syscall.SIGTERM {
				e.ConsoleInterrupt(signals.InterruptTerminate)
			} else {
				e.ConsoleInterrupt(signals.InterruptConsole)
			}
		}
	}()

	fmt.Printf("embervm %s  (fiber stack %s, profile buffer %s)\n",
		buildinfo.Short(), units.BytesSize(float64(stackBytes)), units.BytesSize(float64(bufBytes)))
	repl(m, e)
	onexit.ForceExit(0)
}

func repl(m *vm.Machine, e *signals.Engine) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".embervm-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()

	print := m.RegisterHost(func(hc *vm.HostContext) int64 {
		fmt.Printf("[worker %d] r0 = %d\n", hc.W.ID, hc.Reg(0))
		return 0
	})
	demos := demoPrograms(print)

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			e.ConsoleInterrupt(signals.InterruptConsole)
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			panic(err)
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "help":
			usage()
		case "run":
			if len(args) < 2 {
				fmt.Println("run what? one of: div0 overflow busy wait")
				continue
			}
			prog, ok := demos[args[1]]
			if !ok {
				fmt.Println("unknown program:", args[1])
				continue
			}
			tk, w := m.Spawn(prog)
			e.InstallWorkerHooks(w)
			fmt.Printf("spawned worker %d task %s\n", w.ID, tk.ID)
		case "interrupt":
			e.ConsoleInterrupt(signals.InterruptConsole)
		case "sigint":
			if len(args) < 2 {
				fmt.Println("sigint deliver|exit|ignore")
				continue
			}
			switch args[1] {
			case "deliver":
				e.SetExitOnInterrupt(false)
				e.SetIgnoreInterrupt(false)
			case "exit":
				e.SetExitOnInterrupt(true)
				e.SetIgnoreInterrupt(false)
			case "ignore":
				e.SetIgnoreInterrupt(true)
			default:
				fmt.Println("sigint deliver|exit|ignore")
			}
		case "workers":
			for _, w := range m.Workers() {
				state := "running"
				if !w.Alive() {
					state = "halted"
				} else if w.Sleeping() {
					state = "sleeping"
				}
				fmt.Printf("worker %d  task %s  %s\n", w.ID, w.Task().ID, state)
			}
		case "bt":
			dumpBacktraces(m)
		case "profile":
			profileCmd(m, e, args[1:])
		case "exit", "quit":
			return
		default:
			fmt.Println("unknown command:", args[0])
			usage()
		}
	}
}

func usage() {
	fmt.Println(`commands:
  run div0|overflow|busy|wait   spawn a demo program
  interrupt                     deliver a console interrupt
  sigint deliver|exit|ignore    set the Ctrl-C policy
  workers                       list workers
  bt                            dump recorded task backtraces
  profile start [all]           start the sampling profiler
  profile stop                  stop it
  profile dump                  decode and print collected samples
  profile reset                 drop collected samples
  exit`)
}

func profileCmd(m *vm.Machine, e *signals.Engine, args []string) {
	if len(args) == 0 {
		fmt.Println("profile start|stop|dump|reset")
		return
	}
	switch args[0] {
	case "start":
		all := len(args) > 1 && args[1] == "all"
		if r := e.StartProfiler(all); r != signals.StartOK {
			fmt.Println("profiler:", r)
		}
	case "stop":
		e.StopProfiler()
	case "dump":
		dumpSamples(m, e)
	case "reset":
		e.ResetProfileData()
	default:
		fmt.Println("profile start|stop|dump|reset")
	}
}

func dumpSamples(m *vm.Machine, e *signals.Engine) {
	samples := e.Samples()
	if len(samples) == 0 {
		fmt.Println("no samples")
		return
	}
	workers := m.Workers()
	for i, s := range samples {
		state := "awake"
		if s.Sleeping {
			state = "sleeping"
		}
		fmt.Printf("sample %d  worker %d  task %d  cycles %d  %s\n",
			i, s.WorkerID, s.TaskIndex, s.Cycles, state)
		var prog *vm.Program
		if s.WorkerID >= 0 && s.WorkerID < len(workers) {
			prog = workers[s.WorkerID].Program()
		}
		for _, pc := range s.PCs {
			if prog != nil {
				fmt.Printf("  %s\n", prog.Locate(uint32(pc)))
			} else {
				fmt.Printf("  pc %#x\n", pc)
			}
		}
	}
}

func dumpBacktraces(m *vm.Machine) {
	for i, tk := range m.Tasks() {
		bt := tk.Backtrace()
		if len(bt) == 0 {
			continue
		}
		fmt.Printf("task %d (%s):\n", i, tk.ID)
		prog := m.Workers()[i].Program()
		for _, pc := range bt {
			fmt.Printf("  %s\n", prog.Locate(uint32(pc)))
		}
	}
}
