// Command feedtail prints what a map client would receive: it connects to the feed
// socket, or with --kafka reads the archive topic, and logs one line per message.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"attack-feed/internal/client"
	"attack-feed/internal/config"
	"attack-feed/internal/model"
	"attack-feed/internal/util"
)

func main() {
	url := flag.StringP("url", "u", "ws://localhost:3001/ws", "feed socket URL")
	fromKafka := flag.BoolP("kafka", "k", false, "read the archive topic instead of the socket")
	group := flag.StringP("group", "g", "", "kafka consumer group; empty starts at the newest offset")
	limit := flag.IntP("count", "n", 0, "exit after n messages (0 runs until interrupted)")
	flag.Parse()

	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, "console")
	logger := util.Named("feedtail")
	defer util.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if *fromKafka {
		err = tailKafka(ctx, cfg.Kafka, *group, *limit, logger)
	} else {
		err = tailSocket(ctx, *url, *limit, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Feed tail failed", util.ErrorField(err))
	}
}

func tailSocket(ctx context.Context, url string, limit int, logger *zap.Logger) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("Connected", util.String("url", url))

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for n := 0; limit <= 0 || n < limit; n++ {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("Server closed the feed")
				return nil
			}
			return err
		}
		describe(raw, logger)
	}
	return nil
}

func tailKafka(ctx context.Context, cfg config.KafkaConfig, group string, limit int, logger *zap.Logger) error {
	consumer, err := client.NewKafkaConsumer(cfg, group, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	for n := 0; limit <= 0 || n < limit; n++ {
		msg, err := consumer.ConsumeMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if string(msg.Key) == model.EventStatsToday {
			describe(msg.Value, logger)
			continue
		}
		// The archive topic carries one event per message.
		describe(append(append([]byte{'['}, msg.Value...), ']'), logger)
	}
	return nil
}

// describe logs a batch as its ids and types, and an envelope as its kind and payload.
func describe(raw []byte, logger *zap.Logger) {
	if len(raw) > 0 && raw[0] == '[' {
		var batch []model.AttackEvent
		if err := json.Unmarshal(raw, &batch); err != nil {
			logger.Warn("Undecodable batch", util.Int("size", len(raw)), util.ErrorField(err))
			return
		}
		ids := make([]string, 0, len(batch))
		types := make([]string, 0, len(batch))
		for _, ev := range batch {
			ids = append(ids, ev.ID)
			types = append(types, ev.Type)
		}
		logger.Info("attacks", util.Int("count", len(batch)), util.Strings("ids", ids), util.Strings("types", types))
		return
	}

	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		logger.Warn("Unknown message", util.Int("size", len(raw)))
		return
	}
	logger.Info(env.Type, util.String("payload", string(env.Payload)))
}
