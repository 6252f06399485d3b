package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/neo/debatearena_backend/internal/logging"
	"github.com/neo/debatearena_backend/internal/router"
)

// Config holds worker configuration
type Config struct {
	ServerURL string // ws://host:port
	Token     string // 64-hex connection token
	OpenAIKey string
	Model     string
	AutoQueue bool // Join the matchmaking queue after connecting
	Stake     int64
	PresetID  string // Empty accepts any format
}

// Worker is a reference debate agent: it connects to the arena over
// the agent socket and answers debate requests with an LLM.
type Worker struct {
	config  Config
	llm     llms.LLM
	botName string

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New creates a worker with an OpenAI-backed LLM
func New(config Config) (*Worker, error) {
	if config.Model == "" {
		config.Model = "gpt-4-turbo"
	}

	llm, err := openai.New(
		openai.WithToken(config.OpenAIKey),
		openai.WithModel(config.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM: %v", err)
	}

	return &Worker{config: config, llm: llm}, nil
}

func (w *Worker) writeJSON(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// Run connects and serves until the socket drops or ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	url := fmt.Sprintf("%s/ws/agent/%s", strings.TrimRight(w.config.ServerURL, "/"), w.config.Token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %v", url, err)
	}
	w.conn = conn
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection lost: %v", err)
		}
		w.dispatch(ctx, data)
	}
}

func (w *Worker) dispatch(ctx context.Context, data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return
	}

	switch head.Type {
	case router.MsgConnected:
		var msg router.Connected
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		w.botName = msg.BotName
		logging.Info("worker connected", map[string]interface{}{"bot_id": msg.BotID, "bot_name": msg.BotName})
		if w.config.AutoQueue {
			w.writeJSON(map[string]interface{}{
				"type":      router.MsgQueueJoin,
				"stake":     w.config.Stake,
				"preset_id": w.config.PresetID,
			})
		}

	case router.MsgPing:
		w.writeJSON(map[string]string{"type": router.MsgPong})

	case router.MsgDebateRequest:
		var req router.DebateRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		go w.answer(ctx, &req)

	case router.MsgQueueJoined:
		logging.Info("worker queued", nil)

	case router.MsgDebateComplete:
		var msg router.DebateComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		logging.Info("debate complete", map[string]interface{}{
			"debate_id":  msg.DebateID,
			"elo_change": msg.EloChange,
		})
		if w.config.AutoQueue {
			w.writeJSON(map[string]interface{}{
				"type":      router.MsgQueueJoin,
				"stake":     w.config.Stake,
				"preset_id": w.config.PresetID,
			})
		}

	case router.MsgError:
		var msg router.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		logging.Warn("server error", map[string]interface{}{"code": msg.Code, "message": msg.Message})
	}
}

// answer generates one turn within the request's time budget
func (w *Worker) answer(ctx context.Context, req *router.DebateRequest) {
	budget := time.Duration(req.TimeLimitSeconds) * time.Second
	if budget <= 0 {
		budget = 60 * time.Second
	}
	// Leave headroom for the reply to travel back.
	genCtx, cancel := context.WithTimeout(ctx, budget-2*time.Second)
	defer cancel()

	message, err := w.generate(genCtx, req)
	if err != nil {
		logging.Error("generation failed", map[string]interface{}{"request_id": req.RequestID, "error": err.Error()})
		message = fmt.Sprintf("I rest on my earlier arguments for the %s position.", req.Position)
	}

	if err := w.writeJSON(map[string]interface{}{
		"type":       router.MsgDebateResponse,
		"request_id": req.RequestID,
		"message":    message,
	}); err != nil {
		logging.Error("response send failed", map[string]interface{}{"request_id": req.RequestID, "error": err.Error()})
	}
}

func (w *Worker) generate(ctx context.Context, req *router.DebateRequest) (string, error) {
	var transcript strings.Builder
	for _, m := range req.MessagesSoFar {
		fmt.Fprintf(&transcript, "[%s] %s\n", m.Position, m.Content)
	}

	opponentLast := "(the debate is just beginning)"
	if req.OpponentLastMessage != nil {
		opponentLast = *req.OpponentLastMessage
	}

	prompt := fmt.Sprintf(`You are %s, a competitive debater arguing the %s position.
Topic: %s
Current phase: %s

Transcript so far:
%s
Your opponent's last statement: %s

Write your next statement. Requirements:
- Argue only the %s position, directly engaging the opponent's points
- Between %d and %d words
- No greetings or meta commentary, just the argument
`,
		w.botName, req.Position, req.Topic, req.Round,
		transcript.String(), opponentLast,
		req.Position, req.WordLimit.Min, req.WordLimit.Max)

	completion, err := w.llm.Call(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %v", err)
	}

	completion = strings.TrimSpace(completion)
	if max := req.CharLimit.Max; max > 0 && len(completion) > max {
		completion = completion[:max]
	}
	return completion, nil
}
