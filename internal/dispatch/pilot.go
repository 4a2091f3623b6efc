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

// ListenPilot binds the pilot client's TCP channel (port 5300).
func (d *Dispatcher) ListenPilot(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: listen pilot %s: %w", addr, err)
	}
	go d.acceptPilot(ln)
	return ln, nil
}

func (d *Dispatcher) acceptPilot(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go d.servePilot(conn)
	}
}

// servePilot registers the session with the fan-out hub so broadcast
// events (ME_BR, ME_RA/ME_RB) reach pilot clients alongside the
// request/response traffic, which goes through the same writer queue
// to keep broadcasts and replies from interleaving mid-message.
func (d *Dispatcher) servePilot(conn net.Conn) {
	session := fanout.NewSession(conn, fanout.RolePilot)
	d.Hub.Register(session)
	d.Metrics.PilotSessions.Add(1)

	defer func() {
		d.Hub.Unregister(session)
		session.Close()
		d.Metrics.PilotSessions.Add(-1)
	}()

	logger.Info("Dispatcher", "pilot session %s connected from %s", session.SessionID(), conn.RemoteAddr())

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		var req pilotRequest
		line := sc.Bytes()
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn("Dispatcher", "malformed pilot request: %v", err)
			enqueuePilotResponse(session, pilotResponse{Type: "response", Status: "error"})
			continue
		}

		var resp pilotResponse
		if err := withTimeout(func() error {
			resp = d.handlePilotRequest(req)
			return nil
		}); err != nil {
			logger.Warn("Dispatcher", "pilot request %s timed out: %v", req.RequestCode, err)
			resp = pilotResponse{Type: "response", RequestCode: req.RequestCode, Status: "error"}
		}
		enqueuePilotResponse(session, resp)
		d.Repo.LogInteraction("pilot", string(line), fmt.Sprintf("%+v", resp), time.Now())
	}

	logger.Info("Dispatcher", "pilot session %s disconnected", session.SessionID())
}

func enqueuePilotResponse(session *fanout.Session, resp pilotResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Error("Dispatcher", "marshal pilot response: %v", err)
		return
	}
	session.Enqueue(append(data, '\n'))
}

func (d *Dispatcher) handlePilotRequest(req pilotRequest) pilotResponse {
	resp := pilotResponse{Type: "response", RequestCode: req.RequestCode}

	if req.Type != "command" || req.Command != "query_information" {
		resp.Status = "error"
		return resp
	}

	switch req.RequestCode {
	case reqBirdInquiry:
		resp.Status = "success"
		resp.ResponseCode = d.BirdRisk().String()
	case reqRunwayAStatus:
		resp.Status = "success"
		resp.ResponseCode = runwayStatusCode(d, "RWY_A")
	case reqRunwayBStatus:
		resp.Status = "success"
		resp.ResponseCode = runwayStatusCode(d, "RWY_B")
	case reqRunwayAvailIn:
		resp.Status = "success"
		resp.ResponseCode = runwayAvailability(d)
	default:
		resp.Status = "error"
	}
	return resp
}

func runwayStatusCode(d *Dispatcher, areaName string) string {
	status, found := d.RunwayStatus(areaName)
	if !found || status == model.ZoneHazard {
		return runwayBlocked
	}
	return runwayClear
}

func runwayAvailability(d *Dispatcher) string {
	aClear := runwayStatusCode(d, "RWY_A") == runwayClear
	bClear := runwayStatusCode(d, "RWY_B") == runwayClear

	switch {
	case aClear && bClear:
		return "ALL"
	case aClear:
		return "A_ONLY"
	case bClear:
		return "B_ONLY"
	default:
		return "NONE"
	}
}
