package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"cross-arb-bot/internal/venue"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Stream ingests quotes pushed over a websocket and writes them into the
// Book. It reconnects with a fixed delay and replays the subscription after
// every reconnect.
type Stream struct {
	venueName      string
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	instruments    []string
	book           *Book
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

type quoteMessage struct {
	Instrument string  `json:"instrument"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	BidSize    float64 `json:"bid_size"`
	AskSize    float64 `json:"ask_size"`
	TimeMS     int64   `json:"ts"`
}

func NewStream(venueName, url string, reconnectDelay, pingInterval time.Duration, instruments []string, book *Book, log *zap.Logger) *Stream {
	return &Stream{
		venueName:      venueName,
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		instruments:    instruments,
		book:           book,
		log:            log,
	}
}

func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := s.connectAndSubscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("quote stream connect failed", zap.String("venue", s.venueName), zap.Error(err))
		} else {
			pingCtx, cancel := context.WithCancel(ctx)
			pingDone := make(chan struct{})
			go func() {
				defer close(pingDone)
				s.pingLoop(pingCtx)
			}()
			err := s.readLoop(ctx)
			cancel()
			<-pingDone
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logReadLoopError(err)
		}
		s.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) connectAndSubscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			return err
		}
		s.conn = conn
	}
	sub := map[string]any{
		"method":      "subscribe",
		"channel":     "quotes",
		"instruments": s.instruments,
	}
	return writeJSON(ctx, s.conn, sub)
}

func (s *Stream) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("quote stream not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handleMessage(data)
	}
}

func (s *Stream) handleMessage(data []byte) {
	var msg quoteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("quote stream decode error", zap.String("venue", s.venueName), zap.Error(err))
		return
	}
	if msg.Instrument == "" {
		return
	}
	s.book.Update(venue.Quote{
		Venue:      s.venueName,
		Instrument: msg.Instrument,
		Bid:        msg.Bid,
		Ask:        msg.Ask,
		BidSize:    msg.BidSize,
		AskSize:    msg.AskSize,
		Time:       time.UnixMilli(msg.TimeMS).UTC(),
	})
}

func (s *Stream) pingLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	interval := s.pingInterval
	s.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (s *Stream) logReadLoopError(err error) {
	if err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.log.Info("quote stream closed", zap.String("venue", s.venueName))
		return
	}
	s.log.Warn("quote stream read ended", zap.String("venue", s.venueName), zap.Error(err))
}

func (s *Stream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
