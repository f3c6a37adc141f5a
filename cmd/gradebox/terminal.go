package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	urlFlag   string
	tokenFlag string
)

var terminalCmd = &cobra.Command{
	Use:   "terminal <source-file>",
	Short: "Run a program interactively on a gradebox server",
	Long: `Connect to the /terminal websocket, start the given program and type
into it line by line. The session ends when the program exits.

Examples:
  gradebox terminal main.c --token $GRADEBOX_TOKEN
  gradebox terminal Guess.java --url ws://quiz.example.com/terminal`,
	Args: cobra.ExactArgs(1),
	RunE: runTerminal,
}

func init() {
	terminalCmd.Flags().StringVar(&urlFlag, "url", "ws://localhost:3001/terminal", "Terminal websocket URL")
	terminalCmd.Flags().StringVar(&tokenFlag, "token", os.Getenv("GRADEBOX_TOKEN"), "Bearer token")
	terminalCmd.Flags().StringVar(&langFlag, "lang", "", "Language: c, cpp or java (default: from the file extension)")
	rootCmd.AddCommand(terminalCmd)
}

type frame struct {
	Type     string `json:"type"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	Key      string `json:"key,omitempty"`
	Data     string `json:"data,omitempty"`
}

func runTerminal(cmd *cobra.Command, args []string) error {
	lang, err := languageFor(args[0], langFlag)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tokenFlag)
	conn, resp, err := websocket.DefaultDialer.Dial(urlFlag, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connecting to %s: %s", urlFlag, resp.Status)
		}
		return fmt.Errorf("connecting to %s: %w", urlFlag, err)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "",
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	var wmu sync.Mutex
	send := func(f frame) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(f)
	}

	if err := send(frame{Type: "code", Code: string(source), Language: string(lang)}); err != nil {
		return err
	}

	echo := &echoFilter{}
	errColor := color.New(color.FgRed)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer rl.Close()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case "output":
				fmt.Fprint(rl.Stdout(), echo.Filter(f.Data))
			case "terminal_error":
				errColor.Fprintln(rl.Stderr(), strings.TrimRight(f.Data, "\n"))
			}
		}
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				break
			}
			return err
		}

		// readline already showed the line; drop the server's echo of it.
		echo.Expect(line + "\n")
		for _, r := range line {
			if err := send(frame{Type: "input", Key: string(r)}); err != nil {
				break
			}
		}
		if err := send(frame{Type: "input", Key: "Enter"}); err != nil {
			break
		}
	}

	wmu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	wmu.Unlock()
	<-done
	return nil
}

// echoFilter removes keystroke echoes the local line editor has already
// displayed.
type echoFilter struct {
	mu      sync.Mutex
	pending string
}

func (e *echoFilter) Expect(s string) {
	e.mu.Lock()
	e.pending += s
	e.mu.Unlock()
}

// Filter strips the longest prefix of data that is still pending echo.
func (e *echoFilter) Filter(data string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for n < len(data) && n < len(e.pending) && data[n] == e.pending[n] {
		n++
	}
	e.pending = e.pending[n:]
	return data[n:]
}
