// Command loadtest connects many clients to a server and has them chat in the
// global channel, reporting throughput and echo latency.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/pipechat/pkg/client"
	"github.com/aeolun/pipechat/pkg/dispatch"
	"github.com/aeolun/pipechat/pkg/logging"
	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/rs/zerolog"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesEchoed    atomic.Int64
	messagesFailed    atomic.Int64
	totalEchoTime     atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	disconnections    atomic.Int64
	successfulClients atomic.Int64
}

func (s *Stats) snapshot() (posted, echoed, failed, connErrors int64, avgEchoUs float64) {
	posted = s.messagesPosted.Load()
	echoed = s.messagesEchoed.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()
	if echoed > 0 {
		avgEchoUs = float64(s.totalEchoTime.Load()) / float64(echoed)
	}
	return
}

// BotClient is one simulated user
type BotClient struct {
	id    int
	conn  *client.Connection
	stats *Stats

	mu      sync.Mutex
	pending map[string]time.Time // Message text -> time sent
}

func NewBotClient(ctx context.Context, id int, serverAddr, key string, stats *Stats, logger zerolog.Logger) (*BotClient, error) {
	conn, err := client.Dial(ctx, serverAddr,
		client.WithSharedKey(key),
		client.WithLogger(logger.With().Int("bot", id).Logger()),
	)
	if err != nil {
		return nil, err
	}

	bc := &BotClient{id: id, conn: conn, stats: stats, pending: make(map[string]time.Time)}
	conn.On(protocol.EventSay, bc.onSay)
	conn.Start()

	if err := conn.RequestNickname(fmt.Sprintf("load%d", id)); err != nil {
		conn.Close()
		return nil, err
	}
	return bc, nil
}

// onSay measures how long our own lines take to come back from the server
func (bc *BotClient) onSay(_ string, _ dispatch.ConnID, p protocol.Payload) bool {
	msg, ok := p.(*protocol.SayMessage)
	if !ok {
		return false
	}
	bc.mu.Lock()
	sent, mine := bc.pending[msg.Text]
	delete(bc.pending, msg.Text)
	bc.mu.Unlock()

	if mine {
		bc.stats.messagesEchoed.Add(1)
		bc.stats.totalEchoTime.Add(time.Since(sent).Microseconds())
	}
	return true
}

func (bc *BotClient) PostRandomMessage(seq int) error {
	words := make([]string, 3+rand.IntN(10))
	for i := range words {
		words[i] = loremWords[rand.IntN(len(loremWords))]
	}
	text := fmt.Sprintf("[%d/%d] %s", bc.id, seq, strings.Join(words, " "))

	bc.mu.Lock()
	bc.pending[text] = time.Now()
	bc.mu.Unlock()

	if err := bc.conn.Say("", text); err != nil {
		bc.mu.Lock()
		delete(bc.pending, text)
		bc.mu.Unlock()
		return err
	}
	return nil
}

func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay time.Duration) {
	defer bc.conn.Close()

	end := time.After(duration)
	for seq := 1; ; seq++ {
		if err := bc.PostRandomMessage(seq); err != nil {
			bc.stats.messagesFailed.Add(1)
		} else {
			bc.stats.messagesPosted.Add(1)
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += rand.N(maxDelay - minDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-end:
			return
		case <-bc.conn.Done():
			bc.stats.disconnections.Add(1)
			return
		case <-time.After(delay):
		}
	}
}

func main() {
	serverAddr := flag.String("server", "localhost", "Server address")
	key := flag.String("key", os.Getenv("PIPECHAT_SHARED_KEY"), "Pre-shared key for envelope encryption")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	logger := logging.New(*logLevel, "console")

	// Ramp up over 25% of test duration
	rampUp := *duration / 4
	stagger := rampUp / time.Duration(max(*numClients, 1))
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	logger.Info().
		Str("server", *serverAddr).
		Int("clients", *numClients).
		Dur("duration", *duration).
		Dur("ramp_up", rampUp).
		Dur("min_delay", *minDelay).
		Dur("max_delay", *maxDelay).
		Msg("starting load test")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	start := time.Now()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				posted, echoed, failed, connErrors, avgUs := stats.snapshot()
				logger.Info().
					Int64("posted", posted).
					Float64("rate", float64(posted)/time.Since(start).Seconds()).
					Int64("echoed", echoed).
					Int64("failed", failed).
					Int64("conn_errors", connErrors).
					Float64("avg_echo_ms", avgUs/1000).
					Int("goroutines", runtime.NumGoroutine()).
					Msg("stats")
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			bot, err := NewBotClient(ctx, id, *serverAddr, *key, stats, logger)
			if err != nil {
				stats.connectionErrors.Add(1)
				logger.Debug().Err(err).Int("bot", id).Msg("connect failed")
				return
			}
			stats.successfulClients.Add(1)
			bot.Run(ctx, *duration, *minDelay, *maxDelay)
		}(i)

		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(stagger):
		}
	}
	wg.Wait()

	posted, echoed, failed, connErrors, avgUs := stats.snapshot()
	elapsed := time.Since(start)
	fmt.Println("\n=== Final Results ===")
	fmt.Printf("Clients: %d attempted, %d successful\n", *numClients, stats.successfulClients.Load())
	fmt.Printf("Duration: %v\n", elapsed.Round(time.Second))
	fmt.Printf("Messages posted: %d (%.1f/s)\n", posted, float64(posted)/elapsed.Seconds())
	fmt.Printf("Messages echoed: %d\n", echoed)
	fmt.Printf("Messages failed: %d\n", failed)
	fmt.Printf("Connection errors: %d\n", connErrors)
	fmt.Printf("Disconnections: %d\n", stats.disconnections.Load())
	fmt.Printf("Average echo time: %.2fms\n", avgUs/1000)
	if posted > 0 {
		fmt.Printf("Echo rate: %.1f%%\n", float64(echoed)/float64(posted)*100)
	}
}
