// Command terminal is the interactive operator console. It connects to
// the server's terminal endpoint, forwards typed commands and renders
// the report replies.
package main

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"turncast/server/internal/netio"
	"turncast/server/internal/proto"
)

type state struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type console struct {
	statePath string
	state     state
	sock      *netio.Socket

	info *color.Color
	warn *color.Color
	fail *color.Color
}

func main() {
	var statePath string
	root := &cobra.Command{
		Use:   "turncast-terminal",
		Short: "Operator console for the turn-based game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := &console{
				statePath: statePath,
				state:     state{IP: "127.0.0.1", Port: 7000},
				info:      color.New(color.FgGreen),
				warn:      color.New(color.FgYellow),
				fail:      color.New(color.FgRed),
			}
			c.loadState()
			c.repl()
			return nil
		},
	}
	root.Flags().StringVar(&statePath, "state", "terminal-state.json", "path of the persisted connection settings")
	if err := root.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}

func (c *console) loadState() {
	data, err := os.ReadFile(c.statePath)
	if err != nil {
		return
	}
	var loaded state
	if json.Unmarshal(data, &loaded) == nil && loaded.IP != "" && loaded.Port > 0 {
		c.state = loaded
	}
}

func (c *console) saveState() {
	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.statePath, data, 0o644); err != nil {
		c.warn.Printf("could not persist settings: %v\n", err)
	}
}

func (c *console) repl() {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf("server at %s:%d, type 'connect [password]' to begin\n", c.state.IP, c.state.Port)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			c.disconnect()
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit":
			c.runRemote(fields)
			c.disconnect()
			return
		case "connect":
			c.connect(fields[1:])
		case "disconnect":
			c.disconnect()
		case "set-ip":
			c.setIP(fields[1:])
		case "set-port":
			c.setPort(fields[1:])
		case "event":
			c.sendEvent(fields[1:])
		default:
			c.runRemote(fields)
		}
	}
}

// tokenFor derives the 32-hex-character admission token. An empty
// password maps to the all-zero token the server default expects.
func tokenFor(password string) string {
	if password == "" {
		return strings.Repeat("0", proto.TokenLength)
	}
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (c *console) connect(args []string) {
	if c.sock != nil {
		c.warn.Println("already connected")
		return
	}
	password := ""
	if len(args) > 0 {
		password = args[0]
	}
	addr := net.JoinHostPort(c.state.IP, strconv.Itoa(c.state.Port))
	sock, err := netio.Dial(addr, 5*time.Second)
	if err != nil {
		c.fail.Printf("connect failed: %v\n", err)
		return
	}
	if err := sock.Send(proto.New(proto.NameToken, tokenFor(password))); err != nil {
		c.fail.Printf("handshake failed: %v\n", err)
		sock.Close()
		return
	}
	reply, err := sock.Recv()
	if err != nil {
		c.fail.Printf("handshake failed: %v\n", err)
		sock.Close()
		return
	}
	if reply.Name != proto.NameInit {
		c.fail.Println("server rejected the token")
		sock.Close()
		return
	}
	c.sock = sock
	c.info.Printf("connected to %s\n", addr)
}

func (c *console) disconnect() {
	if c.sock == nil {
		return
	}
	c.sock.Close()
	c.sock = nil
	c.info.Println("disconnected")
}

func (c *console) setIP(args []string) {
	if len(args) == 0 {
		c.warn.Println("usage: set-ip <address> [-s]")
		return
	}
	c.state.IP = args[0]
	if hasPersistFlag(args[1:]) {
		c.saveState()
	}
	c.info.Printf("server ip = %s\n", c.state.IP)
}

func (c *console) setPort(args []string) {
	if len(args) == 0 {
		c.warn.Println("usage: set-port <port> [-s]")
		return
	}
	port, err := strconv.Atoi(args[0])
	if err != nil || port <= 0 || port > 65535 {
		c.warn.Println("port must be in (0, 65535]")
		return
	}
	c.state.Port = port
	if hasPersistFlag(args[1:]) {
		c.saveState()
	}
	c.info.Printf("server port = %d\n", c.state.Port)
}

func hasPersistFlag(args []string) bool {
	for _, arg := range args {
		if arg == "-s" {
			return true
		}
	}
	return false
}

// sendEvent injects an event into the running game: event <type> [args...]
func (c *console) sendEvent(args []string) {
	if c.sock == nil {
		c.warn.Println("not connected")
		return
	}
	if len(args) == 0 {
		c.warn.Println("usage: event <type> [args...]")
		return
	}
	event := proto.Event{Type: args[0], Args: args[1:]}
	if err := c.sock.Send(proto.New(proto.NameEvent, event)); err != nil {
		c.fail.Printf("send failed: %v\n", err)
		c.disconnect()
	}
}

// runRemote sends the line as a command message and renders the report.
func (c *console) runRemote(fields []string) {
	if c.sock == nil {
		c.warn.Println("not connected")
		return
	}
	cmd := proto.New(proto.NameCommand, fields[0], fields[1:])
	if err := c.sock.Send(cmd); err != nil {
		c.fail.Printf("send failed: %v\n", err)
		c.disconnect()
		return
	}
	reply, err := c.sock.Recv()
	if err != nil {
		c.fail.Printf("receive failed: %v\n", err)
		c.disconnect()
		return
	}
	c.render(reply)
}

func (c *console) render(msg proto.ReceivedMessage) {
	if msg.Name != proto.NameReport {
		c.warn.Printf("unexpected reply %q\n", msg.Name)
		return
	}
	lines, ok := msg.StringSliceArg(0)
	if !ok {
		c.warn.Println("malformed report")
		return
	}
	for _, line := range lines {
		c.info.Println(line)
	}
}
