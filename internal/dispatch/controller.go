package dispatch

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/airfield/surface-safety-server/internal/fanout"
	"github.com/airfield/surface-safety-server/internal/logger"
	"github.com/airfield/surface-safety-server/internal/model"
	"github.com/airfield/surface-safety-server/internal/repository"
)

// ListenController binds the controller GUI's TCP channel (port 5100).
func (d *Dispatcher) ListenController(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: listen controller %s: %w", addr, err)
	}
	go d.acceptController(ln)
	return ln, nil
}

func (d *Dispatcher) acceptController(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go d.serveController(conn)
	}
}

func (d *Dispatcher) serveController(conn net.Conn) {
	session := fanout.NewSession(conn, fanout.RoleController)
	d.Hub.Register(session)
	d.Metrics.ControllerSessions.Add(1)

	defer func() {
		d.Hub.Unregister(session)
		session.Close()
		d.Metrics.ControllerSessions.Add(-1)
		if d.RelayForget != nil {
			d.RelayForget(session.SessionID())
		}
	}()

	logger.Info("Dispatcher", "controller session %s connected from %s", session.SessionID(), conn.RemoteAddr())

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		d.handleControllerLine(session, conn, line)
	}

	logger.Info("Dispatcher", "controller session %s disconnected", session.SessionID())
}

func (d *Dispatcher) handleControllerLine(session *fanout.Session, conn net.Conn, line string) {
	cmd, data, _ := strings.Cut(line, ":")

	var resp []byte
	err := withTimeout(func() error {
		switch cmd {
		case "AC_AC":
			resp = d.handleReadAuthority()
		case "AC_UA":
			resp = d.handleWriteAuthority(data)
		case "MC_CA":
			resp = d.handleSubscribe(session, conn, true)
		case "MC_CB":
			resp = d.handleSubscribe(session, conn, false)
		case "MC_MP":
			resp = []byte("MR_MP:OK\n")
		case "MC_OD":
			resp = d.handleObjectDetail(data)
		default:
			return fmt.Errorf("unknown controller command %q", cmd)
		}
		return nil
	})
	if err != nil {
		logger.Warn("Dispatcher", "controller command %q failed: %v", cmd, err)
		if reply := controllerErrorReply(cmd); reply != nil {
			session.Enqueue(reply)
		}
		return
	}

	session.Enqueue(resp)
	d.Repo.LogInteraction("controller", line, fmt.Sprintf("%d bytes", len(resp)), time.Now())
}

// controllerErrorReply renders the channel's error form (§5, §7) for a
// failed or unknown command, following the grammar's AC_→AH_ and
// MC_→MR_ response-prefix pairing. Commands outside the grammar get no
// reply.
func controllerErrorReply(cmd string) []byte {
	if cmd == "MC_OD" {
		return []byte("MR_OD:ERR,TIMEOUT\n")
	}
	if rest, ok := strings.CutPrefix(cmd, "AC_"); ok && rest != "" {
		return []byte("AH_" + rest + ":ERROR\n")
	}
	if rest, ok := strings.CutPrefix(cmd, "MC_"); ok && rest != "" {
		return []byte("MR_" + rest + ":ERROR\n")
	}
	return nil
}

func (d *Dispatcher) handleReadAuthority() []byte {
	vec := d.Access.AuthorityVector()
	parts := make([]string, len(vec))
	for i, lvl := range vec {
		parts[i] = strconv.Itoa(int(lvl))
	}
	return []byte("AH_AC:" + strings.Join(parts, ",") + "\n")
}

func (d *Dispatcher) handleWriteAuthority(data string) []byte {
	fields := strings.Split(data, ",")
	levels := make([]model.AuthorityLevel, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			d.Metrics.AccessUpdateErrors.Add(1)
			return []byte("AH_UA:ERROR\n")
		}
		levels = append(levels, model.AuthorityLevel(n))
	}

	err := d.Access.SetAuthorityVector(levels, func(vec [model.ZoneCount]model.AuthorityLevel) error {
		return d.Repo.UpdateAccessConditions(vec)
	})
	if err != nil {
		d.Metrics.AccessUpdateErrors.Add(1)
		logger.Warn("Dispatcher", "AC_UA rejected: %v", err)
		return []byte("AH_UA:ERROR\n")
	}

	d.Metrics.AccessUpdateCommits.Add(1)
	if loaded, err := d.Repo.LoadAccessConditions(); err != nil {
		logger.Warn("Dispatcher", "reload access conditions after commit failed: %v", err)
	} else {
		d.Access.ReplaceAll(loaded)
	}
	return []byte("AH_UA:OK\n")
}

func (d *Dispatcher) handleSubscribe(session *fanout.Session, conn net.Conn, cctvA bool) []byte {
	session.SetSubscription(cctvA)

	if d.RelayRegister != nil {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			if ip := net.ParseIP(host); ip != nil {
				d.RelayRegister(session.SessionID(), &net.UDPAddr{IP: ip, Port: d.RelayPort})
			}
		}
	}

	if cctvA {
		return []byte("MR_CA:OK\n")
	}
	return []byte("MR_CB:OK\n")
}

func (d *Dispatcher) handleObjectDetail(data string) []byte {
	objectID, err := strconv.ParseInt(strings.TrimSpace(data), 10, 64)
	if err != nil {
		return []byte("MR_OD:ERR,BAD_ID\n")
	}

	rec, image, err := d.Repo.GetFirstDetection(objectID)
	if err == repository.ErrObjectNotFound {
		return []byte("MR_OD:ERR,NOT_FOUND\n")
	}
	if err != nil {
		logger.Error("Dispatcher", "MC_OD lookup failed for %d: %v", objectID, err)
		return []byte("MR_OD:ERR,INTERNAL\n")
	}

	ts := rec.Timestamp.UTC().Format(time.RFC3339)
	header := fmt.Sprintf("MR_OD:OK,%d,%s,%s,%s,%d$$", rec.ObjectID, rec.Class, d.areaName(rec.AreaID), ts, len(image))

	out := make([]byte, 0, len(header)+len(image)+1)
	out = append(out, header...)
	out = append(out, image...)
	out = append(out, '\n')
	return out
}
