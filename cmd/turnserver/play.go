package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/protocol"
	"github.com/cyberinferno/turnserver/tcpclient"
)

const playHelp = `commands:
  move <move>             play a move (e2e4, b2, d)
  moves                   list your legal moves
  state                   show the board and history
  draw | accept | decline offer, accept or decline a draw
  resign                  resign the game
  list                    list games on the server
  ping
  quit`

// errQuit ends the command loop.
var errQuit = errors.New("quit")

type command struct {
	typ  protocol.RequestType
	data any
}

// parseCommand turns one input line into a request. Empty lines return a
// zero command.
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}

	args := fields[1:]
	switch strings.ToLower(fields[0]) {
	case "move", "m":
		if len(args) != 1 {
			return command{}, errors.New("usage: move <move>")
		}
		return command{typ: protocol.TypeMove, data: protocol.MoveRequest{Move: model.Move(args[0])}}, nil
	case "moves":
		return command{typ: protocol.TypeLegalMoves}, nil
	case "state":
		return command{typ: protocol.TypeState}, nil
	case "draw":
		return command{typ: protocol.TypeOfferDraw}, nil
	case "accept":
		return command{typ: protocol.TypeAcceptDraw}, nil
	case "decline":
		return command{typ: protocol.TypeDeclineDraw}, nil
	case "resign":
		return command{typ: protocol.TypeResign}, nil
	case "list":
		return command{typ: protocol.TypeListGames}, nil
	case "ping":
		return command{typ: protocol.TypePing}, nil
	case "quit", "exit", "q":
		return command{}, errQuit
	default:
		return command{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

// console serialises writes from the read loop and the command loop.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) message(msg *protocol.Message) {
	if p := msg.Err(); p != nil {
		c.printf("error %s: %s\n", p.Code, p.Detail)
		return
	}

	if len(msg.Data) == 0 {
		c.printf("%s\n", msg.Type)
		return
	}
	c.printf("%s %s\n", msg.Type, msg.Data)
}

type playOptions struct {
	addr     string
	gameType string
	gameID   string
	slot     int
	token    string
	timeout  time.Duration
}

func newPlayCmd() *cobra.Command {
	opts := playOptions{}

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a game and play it from the terminal",
		Long: `play connects to a server, joins a game and reads commands from stdin.
Without --game-id it is matched with other players waiting for --game.
With --token it reclaims --slot of --game-id after a disconnect.

` + playHelp,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &console{out: cmd.OutOrStdout()}

			client := tcpclient.New(tcpclient.DefaultConfig(opts.addr))
			client.OnMessage(out.message)
			client.OnConnectionState(func(ev tcpclient.ConnectionStateEvent) {
				if ev.State == tcpclient.Disconnected && ev.Error != nil {
					out.printf("disconnected: %v\n", ev.Error)
				}
			})
			if err := client.Connect(); err != nil {
				return err
			}
			defer client.Close()

			return play(cmd.Context(), client, cmd.InOrStdin(), out, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:8080", "Server address")
	cmd.Flags().StringVar(&opts.gameType, "game", "chess", "Game type to matchmake into")
	cmd.Flags().StringVar(&opts.gameID, "game-id", "", "Join this game instead of matchmaking")
	cmd.Flags().IntVar(&opts.slot, "slot", 0, "Slot to reclaim with --token")
	cmd.Flags().StringVar(&opts.token, "token", "", "Reconnect token from an earlier join")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "How long to wait for each reply")

	return cmd
}

type requestFunc func(typ protocol.RequestType, gameID model.GameID, data any) (*protocol.Message, error)

// enter joins or reconnects to a game and returns its ID.
func enter(request requestFunc, out *console, opts playOptions) (model.GameID, error) {
	gameID := model.GameID(opts.gameID)

	if opts.token != "" {
		if gameID == "" {
			return "", errors.New("--token needs --game-id")
		}

		msg, err := request(protocol.TypeReconnect, gameID, protocol.ReconnectRequest{Slot: model.Slot(opts.slot), Token: opts.token})
		if err != nil {
			return "", err
		}
		if p := msg.Err(); p != nil {
			return "", fmt.Errorf("reconnect failed: %s: %s", p.Code, p.Detail)
		}

		out.printf("reconnected to game %s as slot %d\n", gameID, opts.slot)
		return gameID, nil
	}

	join := protocol.JoinRequest{}
	if gameID == "" {
		join.GameType = model.GameType(opts.gameType)
	}

	msg, err := request(protocol.TypeJoin, gameID, join)
	if err != nil {
		return "", err
	}
	if p := msg.Err(); p != nil {
		return "", fmt.Errorf("join failed: %s: %s", p.Code, p.Detail)
	}

	var joined protocol.Joined
	if err := msg.Decode(&joined); err != nil {
		return "", err
	}

	out.printf("joined %s game %s as %s (slot %d), reconnect token %s\n", joined.View.Type, msg.GameID, joined.Label, joined.Slot, joined.Token)
	return msg.GameID, nil
}

// play joins a game, then sends one request per input line until quit or
// end of input.
func play(ctx context.Context, client *tcpclient.Client, in io.Reader, out *console, opts playOptions) error {
	request := func(typ protocol.RequestType, gameID model.GameID, data any) (*protocol.Message, error) {
		ctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		return client.Request(ctx, typ, gameID, data)
	}

	gameID, err := enter(request, out, opts)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd, err := parseCommand(scanner.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			out.printf("%v\n%s\n", err, playHelp)
			continue
		}
		if cmd.typ == "" {
			continue
		}

		target := gameID
		if cmd.typ == protocol.TypeListGames || cmd.typ == protocol.TypePing {
			target = ""
		}

		msg, err := request(cmd.typ, target, cmd.data)
		if err != nil {
			return err
		}
		out.message(msg)
	}

	return scanner.Err()
}
