package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
)

var (
	CliHisFileEnv     = "REACTORCLI_HISTFILE"
	CliHisFileDefault = ".reactorcli_history"
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 7070
	DefaultReplyTimeout = 2 * time.Second
)

type CliConfig struct {
	Host string
	Port int

	// ReplyTimeout bounds how long the client waits for the reply to one line.
	ReplyTimeout time.Duration

	In  io.Reader
	Out io.Writer
}

// Cli sends lines to a server and prints whatever comes back. With a terminal
// on stdin it runs an interactive prompt, otherwise it streams its input.
type Cli struct {
	config CliConfig
	conn   net.Conn
	reader *bufio.Reader
}

func NewCli(config CliConfig) *Cli {
	if config.Host == "" {
		config.Host = DefaultHost
	}
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.ReplyTimeout <= 0 {
		config.ReplyTimeout = DefaultReplyTimeout
	}
	if config.In == nil {
		config.In = os.Stdin
	}
	if config.Out == nil {
		config.Out = os.Stdout
	}
	return &Cli{config: config}
}

func (cli *Cli) Addr() string {
	return net.JoinHostPort(cli.config.Host, strconv.Itoa(cli.config.Port))
}

func (cli *Cli) Run() error {
	if err := cli.connect(); err != nil {
		return err
	}
	defer cli.Close()

	if f, ok := cli.config.In.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return cli.repl()
	}
	return cli.pipe()
}

func (cli *Cli) Close() error {
	if cli.conn == nil {
		return nil
	}
	err := cli.conn.Close()
	cli.conn = nil
	return err
}

// connect (re)dials the configured address, dropping any previous connection.
func (cli *Cli) connect() error {
	_ = cli.Close()
	conn, err := net.DialTimeout("tcp", cli.Addr(), cli.config.ReplyTimeout)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", cli.Addr(), err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetKeepAlive(true); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to set SO_KEEPALIVE: %s\n", err.Error())
		}
	}
	cli.conn = conn
	cli.reader = bufio.NewReader(conn)
	return nil
}

// pipe sends every input line and writes each reply to Out.
func (cli *Cli) pipe() error {
	scanner := bufio.NewScanner(cli.config.In)
	for scanner.Scan() {
		reply, err := cli.roundTrip(scanner.Text())
		if _, werr := io.WriteString(cli.config.Out, reply); werr != nil {
			return werr
		}
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (cli *Cli) repl() error {
	line := newLineNoise()
	defer line.Close()

	historyFile := getDotfilePath(CliHisFileEnv, CliHisFileDefault)
	if historyFile != "" {
		_ = line.HistoryLoad(historyFile)
	}

	for {
		prompt := "not connected> "
		if cli.conn != nil {
			prompt = cli.Addr() + "> "
		}
		input, err := line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if historyFile != "" {
			_ = line.HistorySave(historyFile)
		}

		argv := strings.Fields(input)
		switch {
		case strings.EqualFold(argv[0], "quit"), strings.EqualFold(argv[0], "exit"):
			return nil
		case strings.EqualFold(argv[0], "clear") && len(argv) == 1:
			_ = line.ClearScreen(cli.config.Out)
		case strings.EqualFold(argv[0], "connect") && len(argv) == 3:
			port, err := strconv.Atoi(argv[2])
			if err != nil {
				fmt.Fprintf(cli.config.Out, "Invalid port number\n")
				continue
			}
			cli.config.Host, cli.config.Port = argv[1], port
			if err := cli.connect(); err != nil {
				fmt.Fprintf(cli.config.Out, "%s\n", err)
			}
		default:
			if cli.conn == nil {
				fmt.Fprintf(cli.config.Out, "not connected, use: connect <host> <port>\n")
				continue
			}
			reply, err := cli.roundTrip(input)
			fmt.Fprint(cli.config.Out, reply)
			if err != nil {
				fmt.Fprintf(cli.config.Out, "(error) %s\n", err)
				_ = cli.Close()
			}
		}
	}
}

// roundTrip sends one newline terminated line and reads until a newline comes
// back or ReplyTimeout passes. A timeout with some bytes read is not an error.
func (cli *Cli) roundTrip(line string) (string, error) {
	if cli.conn == nil {
		return "", errors.New("not connected")
	}
	if _, err := io.WriteString(cli.conn, line+"\n"); err != nil {
		return "", err
	}
	if err := cli.conn.SetReadDeadline(time.Now().Add(cli.config.ReplyTimeout)); err != nil {
		return "", err
	}
	reply, err := cli.reader.ReadString('\n')
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && reply != "" {
			return reply + "\n", nil
		}
		return reply, err
	}
	return reply, nil
}

func getDotfilePath(envOverride, dotFilename string) string {
	path := os.Getenv(envOverride)
	if path != "" {
		if path == "/dev/null" {
			return ""
		}
		return path
	}
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", home, dotFilename)
}
