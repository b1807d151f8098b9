// Command objnetd is a thin interactive demo shell around package objnet:
// join a multicast group, master a toy text object, subscribe to one
// mastered elsewhere, and watch commits propagate. It exists to exercise
// the library end to end, not as a supported CLI surface (spec.md §1
// scopes CLI wrappers out).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"log/slog"

	"github.com/ergochat/readline"
	"github.com/replicore/objnet"
	"github.com/replicore/objnet/config"
	"github.com/replicore/objnet/internal/rsputil"
	"github.com/replicore/objnet/ocm"
	"github.com/replicore/objnet/registry"
	"github.com/replicore/objnet/rsp"
	"github.com/replicore/objnet/version"
)

var (
	errNotListening = fmt.Errorf("objnetd: call listen first")
	errNoMaster     = fmt.Errorf("objnetd: call master first")
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("listen"),
	readline.PcItem("master"),
	readline.PcItem("sub"),
	readline.PcItem("set"),
	readline.PcItem("commit"),
	readline.PcItem("show"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	if r == readline.CharCtrlZ {
		return r, false
	}
	return r, true
}

// textObject is a toy Packer+Applier: its entire state is one string,
// packed/applied as raw UTF-8 bytes. Good enough to watch commit/apply
// round-trip over the wire; nothing about it is part of the library.
type textObject struct {
	mu    sync.Mutex
	value string
	dirty bool
}

func (o *textObject) Set(v string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = v
	o.dirty = true
}

func (o *textObject) Get() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

func (o *textObject) PackInstanceData() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirty = false
	return []byte(o.value)
}

func (o *textObject) PackDelta() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.dirty {
		return nil, false
	}
	o.dirty = false
	return []byte(o.value), true
}

func (o *textObject) ApplyInstanceData(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = string(data)
	return nil
}

func (o *textObject) ApplyDelta(data []byte) error {
	return o.ApplyInstanceData(data)
}

// demoObjectID is fixed rather than parsed from user input: the shell
// exists to show one object replicating, not to be an ID-management UI.
var demoObjectID = version.ID{Hi: 0, Lo: 1}

func main() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:              "objnet> ",
		HistoryFile:         "/tmp/objnetd.history",
		AutoComplete:        completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	log := rsputil.NewDefaultLogger(slog.LevelWarn)

	var node *objnet.Node
	obj := &textObject{}
	var master *ocm.MasterFull
	var slave *ocm.Slave
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	printErr := func(err error) {
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		}
	}

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.Split(line, " ")
		cmd, args := args[0], args[1:]

		switch cmd {
		case "listen":
			port := rsp.DefaultMulticastPort
			if len(args) > 0 {
				if p, err := strconv.Atoi(args[0]); err == nil {
					port = p
				}
			}
			transport, err := rsp.DialMulticast(nil, rsp.DefaultMulticastGroup, port)
			if err != nil {
				printErr(err)
				continue
			}
			listener := rsp.New(config.New(), transport, log)
			reg, err := registry.New(0)
			if err != nil {
				printErr(err)
				continue
			}
			node = objnet.NewNode(rsp.NewConnection(listener), reg)
			if err := node.Listen(ctx); err != nil {
				printErr(err)
				node = nil
				continue
			}
			fmt.Println("listening on", rsp.DefaultMulticastGroup, port)

		case "master":
			if node == nil {
				printErr(errNotListening)
				continue
			}
			master, err = node.AttachMasterFull(demoObjectID, obj)
			printErr(err)

		case "sub":
			if node == nil {
				printErr(errNotListening)
				continue
			}
			slave, err = node.Subscribe(demoObjectID, obj)
			printErr(err)

		case "set":
			obj.Set(strings.Join(args, " "))
			fmt.Println("ok")

		case "commit":
			if master == nil {
				printErr(errNoMaster)
				continue
			}
			v, err := node.Commit(demoObjectID, ocm.CommitNext)
			if err != nil {
				printErr(err)
				continue
			}
			fmt.Println("committed", v)

		case "show":
			fmt.Printf("value=%q", obj.Get())
			if slave != nil {
				fmt.Printf(" version=%s", slave.Version())
			}
			fmt.Println()

		case "exit", "quit":
			if node != nil {
				_ = node.Close()
			}
			return

		default:
			_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		}
	}
}
