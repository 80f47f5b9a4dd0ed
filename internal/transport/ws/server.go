package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"moonfield.io/internal/protocol"
	"moonfield.io/internal/sim/library"
	"moonfield.io/internal/sim/streamer"
	"moonfield.io/internal/sim/terrain"
)

// Server is the client-facing websocket endpoint. POSE and SWITCH_TERRAIN
// feed the streamer's tick loop; QUERY is answered inline off the shared
// sampler without touching the loop.
type Server struct {
	streamer *streamer.Streamer
	log      *zap.Logger
	maxQueue int

	upgrader websocket.Upgrader
}

func NewServer(st *streamer.Streamer, sessionQueue int, logger *zap.Logger) *Server {
	if sessionQueue <= 0 {
		sessionQueue = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		streamer: st,
		log:      logger,
		maxQueue: sessionQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		sessionID, out := s.handshake(conn)
		if sessionID == "" {
			return
		}
		log := s.log.With(zap.String("session", sessionID))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Replies to inline requests must not lose races against the lossy
		// delta stream, so they ride a separate lossless channel.
		replies := make(chan []byte, 16)

		// Writer goroutine: the only writer after the handshake.
		go func() {
			write := func(b []byte) bool {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return false
				}
				return true
			}
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-replies:
					if !write(b) {
						return
					}
				case b, ok := <-out:
					if !ok || !write(b) {
						return
					}
				}
			}
		}()

		reply := func(v any) {
			b, err := json.Marshal(v)
			if err != nil {
				return
			}
			select {
			case replies <- b:
			case <-ctx.Done():
			}
		}
		replyErr := func(code, msg string) {
			reply(errorMsg(code, msg))
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				replyErr(protocol.ErrProtoBadRequest, "malformed message")
				continue
			}
			if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
				replyErr(protocol.ErrProtoBadRequest, "bad protocol_version")
				continue
			}

			switch base.Type {
			case protocol.TypePose:
				var pose protocol.PoseMsg
				if err := json.Unmarshal(msg, &pose); err != nil {
					replyErr(protocol.ErrBadRequest, "malformed POSE")
					continue
				}
				if !finite(pose.X) || !finite(pose.Y) || !finite(pose.Z) {
					replyErr(protocol.ErrBadRequest, "POSE coordinates must be finite")
					continue
				}
				s.streamer.Poses() <- streamer.PoseUpdate{Session: sessionID, X: pose.X, Y: pose.Y, Z: pose.Z}

			case protocol.TypeQuery:
				var q protocol.QueryMsg
				if err := json.Unmarshal(msg, &q); err != nil {
					replyErr(protocol.ErrBadRequest, "malformed QUERY")
					continue
				}
				reply(s.answerQuery(q))

			case protocol.TypeSwitchTerrain:
				var sw protocol.SwitchTerrainMsg
				if err := json.Unmarshal(msg, &sw); err != nil {
					replyErr(protocol.ErrBadRequest, "malformed SWITCH_TERRAIN")
					continue
				}
				resp := make(chan streamer.SwitchResult, 1)
				s.streamer.Switches() <- streamer.SwitchRequest{TerrainID: sw.TerrainID, Resp: resp}
				if res := <-resp; res.Err != nil {
					code := protocol.ErrInternal
					if errors.Is(res.Err, library.ErrUnknownTerrain) || errors.Is(res.Err, library.ErrEmptyLibrary) {
						code = protocol.ErrUnknownTerrain
					}
					replyErr(code, res.Err.Error())
				}
				// On success the TERRAIN broadcast reaches every session,
				// this one included.

			default:
				replyErr(protocol.ErrProtoBadRequest, fmt.Sprintf("unexpected message type %q", base.Type))
			}
		}

		// Cleanup.
		s.streamer.Leave() <- sessionID
		log.Debug("session disconnected")
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > s.maxQueue {
		maxQ = s.maxQueue
	}
	out = make(chan []byte, maxQ)

	respCh := make(chan streamer.JoinResponse, 1)
	s.streamer.Join() <- streamer.JoinRequest{
		Name:    hello.ClientName,
		Patches: hello.Capabilities.Patches,
		Out:     out,
		Resp:    respCh,
	}
	resp := <-respCh

	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.streamer.Leave() <- resp.SessionID
		return "", nil
	}
	return resp.SessionID, out
}

// answerQuery runs a QUERY against the shared sampler and returns the
// message to send back, either a QUERY_RESULT or an ERROR.
func (s *Server) answerQuery(q protocol.QueryMsg) any {
	if n := len(q.Points); n > s.streamer.MaxQueryPoints() {
		return errorMsg(protocol.ErrBatchTooLarge, fmt.Sprintf("%d points, limit %d", n, s.streamer.MaxQueryPoints()))
	}
	pts := make([]terrain.Point, len(q.Points))
	for i, p := range q.Points {
		if !finite(p[0]) || !finite(p[1]) {
			return errorMsg(protocol.ErrBadRequest, fmt.Sprintf("point %d is not finite", i))
		}
		pts[i] = terrain.Point{X: p[0], Y: p[1]}
	}

	res := protocol.QueryResultMsg{
		Type:       protocol.TypeQueryResult,
		ID:         q.ID,
		Kind:       q.Kind,
		Generation: s.streamer.Generation(),
	}
	switch q.Kind {
	case protocol.QuerySample:
		mode := s.streamer.DefaultMode()
		if q.Mode != "" {
			var err error
			if mode, err = terrain.ParseMode(q.Mode); err != nil {
				return errorMsg(protocol.ErrBadMode, err.Error())
			}
		}
		vals, err := s.streamer.Sampler().Sample(pts, mode)
		if err != nil {
			return errorMsg(protocol.ErrInternal, err.Error())
		}
		res.Elevations = vals
	case protocol.QueryNormal:
		ns, err := s.streamer.Sampler().Normals(pts)
		res.Normals = make([][3]float64, len(ns))
		for i, n := range ns {
			res.Normals[i] = [3]float64{n.X, n.Y, n.Z}
		}
		res.PointErrors = degeneratePoints(err)
	case protocol.QueryMask:
		res.Mask = s.streamer.Sampler().MaskAt(pts)
	default:
		return errorMsg(protocol.ErrBadRequest, fmt.Sprintf("unknown query kind %q", q.Kind))
	}
	return res
}

// errorMsg builds an ERROR, downgrading codes outside the registry so
// clients never see an undocumented one.
func errorMsg(code, msg string) protocol.ErrorMsg {
	if !protocol.IsKnownCode(code) {
		code = protocol.ErrInternal
		if msg == "" {
			msg = "unknown error code"
		}
	}
	return protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: msg}
}

// degeneratePoints unpacks the joined per-point errors Normals reports.
func degeneratePoints(err error) []protocol.PointError {
	if err == nil {
		return nil
	}
	list := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		list = joined.Unwrap()
	}
	var out []protocol.PointError
	for _, e := range list {
		var dn *terrain.DegenerateNormalError
		if errors.As(e, &dn) {
			out = append(out, protocol.PointError{
				Index:   dn.Index,
				Code:    protocol.ErrDegenerateNormal,
				Message: dn.Error(),
			})
		}
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
