// Command bot is a small PipeChat bot answering a few "!" commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/pipechat/pkg/botlib"
	"github.com/aeolun/pipechat/pkg/logging"
)

const helpText = "Commands: !ping, !time, !who, !roll [sides], !invite NICK"

func main() {
	server := flag.String("server", "localhost", "Server address")
	key := flag.String("key", os.Getenv("PIPECHAT_SHARED_KEY"), "Pre-shared key for envelope encryption")
	nickname := flag.String("nick", "PingBot", "Bot nickname")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	logger := logging.New(*logLevel, "console")
	bot := botlib.New(botlib.Config{
		Server:    *server,
		SharedKey: *key,
		Nickname:  *nickname,
		Logger:    &logger,
	})

	bot.OnMessage(func(ctx *botlib.Context, msg *botlib.Message) {
		name, args, ok := msg.Command()
		if !ok {
			return
		}
		reply := respond(ctx, name, args)
		if reply == "" {
			return
		}
		if err := ctx.Reply(reply); err != nil {
			l := ctx.Logger()
			l.Warn().Err(err).Msg("reply failed")
		}
	})
	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		if _, _, ok := msg.Command(); ok {
			return
		}
		if err := ctx.Reply(fmt.Sprintf("Hi %s! %s", ctx.Author(), helpText)); err != nil {
			l := ctx.Logger()
			l.Warn().Err(err).Msg("reply failed")
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("bot stopped")
		os.Exit(1)
	}
}

func respond(ctx *botlib.Context, name string, args []string) string {
	switch name {
	case "ping":
		return "pong"
	case "time":
		return time.Now().UTC().Format(time.RFC1123)
	case "who":
		return fmt.Sprintf("In %s: %s", ctx.Channel(), strings.Join(ctx.Members(), ", "))
	case "roll":
		sides := 6
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 1 {
				sides = n
			}
		}
		return fmt.Sprintf("%s rolled %d (d%d)", ctx.Author(), rand.IntN(sides)+1, sides)
	case "invite":
		if len(args) == 0 {
			return "Usage: !invite NICK"
		}
		if err := ctx.Invite(args[0]); err != nil {
			return "Invite failed: " + err.Error()
		}
		return ""
	case "help":
		return helpText
	default:
		return ""
	}
}
