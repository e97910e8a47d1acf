// gatehub-sim is a simulated facility gateway for development. It dials
// into the hub, answers heartbeat probes, prints relayed commands, and
// verifies rotation broadcasts against an embedded root public key.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nhooyr.io/websocket"

	"gatehub/internal/trust"
	"gatehub/internal/wire"
)

func main() {
	var (
		hubURL     = flag.String("hub", "ws://127.0.0.1:8080", "hub base URL")
		facility   = flag.String("facility", "facility-1", "facility ID to register as")
		token      = flag.String("token", "", "gateway auth token")
		rootPubB64 = flag.String("root-pub", "", "base64 root public key for rotation verification")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *token == "" {
		logger.Error("-token is required")
		os.Exit(1)
	}

	rootPub, err := trust.DecodePublicKeyB64(*rootPubB64)
	if *rootPubB64 != "" && err != nil {
		logger.Error("parse root public key", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	url := *hubURL + "/ws/gateway/" + *facility + "?token=" + *token
	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		logger.Error("dial hub", "err", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")
	logger.Info("connected to hub", "facility", *facility)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Info("connection closed", "err", err)
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			logger.Warn("bad frame", "err", err)
			continue
		}

		switch frame.Type {
		case wire.TypePing:
			pong, _ := wire.Encode(wire.Frame{Type: wire.TypePong})
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, pong)
			writeCancel()
			if err != nil {
				logger.Error("write pong", "err", err)
				return
			}

		case wire.TypeCommand:
			var cmd wire.CommandPayload
			if err := json.Unmarshal(frame.Payload, &cmd); err != nil {
				logger.Warn("bad command payload", "err", err)
				continue
			}
			logger.Info("command received", "command", cmd.Command, "id", cmd.CommandID, "targets", cmd.TargetDeviceIDs)

		case wire.TypeRotate:
			var rot wire.RotatePayload
			if err := json.Unmarshal(frame.Payload, &rot); err != nil {
				logger.Warn("bad rotation payload", "err", err)
				continue
			}
			if rootPub == nil {
				logger.Warn("rotation received but no root public key configured, ignoring")
				continue
			}
			cmd, err := trust.VerifyRotation(rot.Payload, rot.Signature, rootPub)
			if err != nil {
				logger.Error("rotation rejected", "err", err)
				continue
			}
			logger.Info("rotation accepted, new operations key trusted", "new_ops_public_key", cmd.NewOpsPublicKey)

		default:
			logger.Info("frame received", "type", frame.Type)
		}
	}
}
