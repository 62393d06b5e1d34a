// Command relay is a line-oriented terminal client for a relay chat server.
//
// Incoming messages print to stdout; each line typed on stdin is sent as a
// chat message. Lines starting with "/" are commands: /name, /color, /quit.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/relaychat/relay/pkg/client"
	"github.com/relaychat/relay/pkg/protocol"
)

func main() {
	server := flag.String("server", "", "server address (tcp://host:port or ws://host:port/ws)")
	username := flag.String("user", "", "account name")
	password := flag.String("password", "", "account password")
	register := flag.Bool("register", false, "create the account instead of logging in")
	flag.Parse()

	state, err := openState()
	if err != nil {
		log.Fatalf("Failed to open local state: %v", err)
	}
	defer state.Close()

	addr := *server
	if addr == "" {
		addr, err = state.LastServer()
		if err != nil || addr == "" {
			log.Fatal("No server given and no previous server remembered; use -server")
		}
	}
	name := *username
	if name == "" {
		name = state.LastUsername()
		if name == "" {
			log.Fatal("No username given and none remembered; use -user")
		}
	}
	if *password == "" {
		log.Fatal("A password is required; use -password")
	}

	c, err := client.Dial(addr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	if *register {
		err = c.Register(name, *password, *password, protocol.Color{R: 200, G: 200, B: 200})
	} else {
		err = c.Login(name, *password)
	}
	if err != nil {
		log.Fatalf("Failed to send credentials: %v", err)
	}

	state.RecordServer(addr)
	state.SetLastUsername(name)

	go printIncoming(c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if handleCommand(c, line) {
				return
			}
			continue
		}
		if err := c.SendText(line); err != nil {
			log.Fatalf("Send failed: %v", err)
		}
	}
	c.Quit()
}

// handleCommand runs one slash command; returns true when the client should exit
func handleCommand(c *client.Client, line string) bool {
	parts := strings.Fields(line)
	switch parts[0] {
	case "/quit":
		c.Quit()
		return true
	case "/name":
		if len(parts) < 2 {
			fmt.Println("usage: /name <username>")
			return false
		}
		c.SetUsername(parts[1])
	case "/color":
		if len(parts) < 4 {
			fmt.Println("usage: /color <r> <g> <b>")
			return false
		}
		r, errR := strconv.Atoi(parts[1])
		g, errG := strconv.Atoi(parts[2])
		b, errB := strconv.Atoi(parts[3])
		if errR != nil || errG != nil || errB != nil || r > 255 || g > 255 || b > 255 || r < 0 || g < 0 || b < 0 {
			fmt.Println("usage: /color <r> <g> <b> (0-255)")
			return false
		}
		c.SetColor(protocol.Color{R: uint8(r), G: uint8(g), B: uint8(b)})
	default:
		fmt.Printf("unknown command %s\n", parts[0])
	}
	return false
}

func printIncoming(c *client.Client) {
	for msg := range c.Incoming() {
		switch m := msg.(type) {
		case *protocol.LoginResponse:
			fmt.Printf("* logged in as %s\n", m.User.Username)
		case *protocol.RegisterResponse:
			fmt.Printf("* registered as %s\n", m.User.Username)
		case *protocol.HistoryMessage:
			for _, entry := range m.Entries {
				fmt.Printf("[%s] %s: %s\n", entry.SentAt.Local().Format("15:04"), entry.Sender.Username, entry.Content)
			}
		case *protocol.TextBroadcast:
			fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), m.Sender.Username, m.Content)
		case *protocol.FileBroadcast:
			fmt.Printf("* %s sent file %q (%d bytes)\n", m.Sender.Username, m.Filename, len(m.Data))
		case *protocol.ImageBroadcast:
			fmt.Printf("* %s sent an image (%d bytes)\n", m.Sender.Username, len(m.Data))
		case *protocol.UserJoined:
			fmt.Printf("* %s joined\n", m.User.Username)
		case *protocol.UserLeft:
			fmt.Printf("* %s left\n", m.User.Username)
		case *protocol.UsernameChanged:
			fmt.Printf("* %s is now known as %s\n", m.OldUsername, m.Sender.Username)
		case *protocol.ColorChanged:
			fmt.Printf("* %s changed color\n", m.Sender.Username)
		case *protocol.RecoverableErrorMessage:
			fmt.Printf("! %s\n", m.Message)
		case *protocol.UnrecoverableErrorMessage:
			fmt.Printf("!! %s\n", m.Message)
			os.Exit(1)
		case *protocol.ServerQuit:
			fmt.Printf("* server shutting down: %s\n", m.Reason)
			os.Exit(0)
		}
	}
	if err := c.Err(); err != nil {
		log.Fatalf("Connection lost: %v", err)
	}
	fmt.Println("* disconnected")
	os.Exit(0)
}

func openState() (*client.State, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return client.OpenState(filepath.Join(home, ".relay", "client.db"))
}
