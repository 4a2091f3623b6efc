package dispatch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/airfield/surface-safety-server/internal/fanout"
	"github.com/airfield/surface-safety-server/internal/logger"
	"github.com/airfield/surface-safety-server/internal/model"
)

// ListenBirdRisk binds the bird-risk estimator's TCP channel (port 5200).
func (d *Dispatcher) ListenBirdRisk(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: listen bird-risk %s: %w", addr, err)
	}
	go d.acceptBirdRisk(ln)
	return ln, nil
}

func (d *Dispatcher) acceptBirdRisk(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go d.serveBirdRisk(conn)
	}
}

func (d *Dispatcher) serveBirdRisk(conn net.Conn) {
	defer conn.Close()
	logger.Info("Dispatcher", "bird-risk source connected from %s", conn.RemoteAddr())

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		var msg birdMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			logger.Warn("Dispatcher", "malformed bird-risk message: %v", err)
			continue
		}
		if msg.Type != "event" || msg.Event != "BR_CHANGED" {
			continue
		}

		level, ok := model.ParseBirdRiskResult(msg.Result)
		if !ok {
			logger.Warn("Dispatcher", "unknown bird-risk result %q", msg.Result)
			continue
		}

		prev := d.setBirdRisk(level)
		if prev == level {
			continue // only an observed change is logged and fanned out.
		}
		if err := d.Repo.AppendBirdRisk(prev, level, time.Now()); err != nil {
			logger.Error("Dispatcher", "append bird risk log failed: %v", err)
			d.Metrics.DBErrors.Add(1)
		}
		d.Hub.BroadcastAll(fanout.BuildBirdRisk(level))
	}

	logger.Info("Dispatcher", "bird-risk source disconnected")
}
