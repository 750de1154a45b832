// Package api exposes the marketplace over HTTP: agent and task views,
// signed bid submission, lifecycle transitions, evaluations, and the
// learning statistics endpoint. Read endpoints are served through a short
// TTL cache; responses carry a "source" field naming chain or cache.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/openagora/agora/chain"
	"github.com/openagora/agora/metrics"
	"github.com/openagora/agora/types"
)

const (
	cacheTTL   = 5 * time.Second
	cacheSweep = time.Minute
)

// Server is the HTTP front of the marketplace.
type Server struct {
	chain *chain.Chain
	cache *gocache.Cache
	log   *zap.Logger
	mux   *http.ServeMux
}

// NewServer wires the routes.
func NewServer(c *chain.Chain, log *zap.Logger) *Server {
	s := &Server{
		chain: c,
		cache: gocache.New(cacheTTL, cacheSweep),
		log:   log,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/agents", s.handleAgents)
	s.mux.HandleFunc("/agents/", s.handleAgent)
	s.mux.HandleFunc("/tasks", s.handleTasks)
	s.mux.HandleFunc("/tasks/", s.handleTask)
	s.mux.HandleFunc("/learning/agent-statistics", s.handleAgentStatistics)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ─── Error & Response Shapes ─────────────────────────────────────────────────

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, route string, status int, v any) {
	metrics.APIRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", zap.String("route", route), zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, route string, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, types.ErrTaskNotFound), errors.Is(err, types.ErrAgentNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, types.ErrBadSignature), errors.Is(err, types.ErrBadNonce):
		status, code = http.StatusUnauthorized, "bad_signature"
	case errors.Is(err, types.ErrIllegalState), errors.Is(err, types.ErrBiddingClosed),
		errors.Is(err, types.ErrDuplicateBid), errors.Is(err, types.ErrAlreadyEvaluated),
		errors.Is(err, types.ErrAlreadyRegistered):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, types.ErrOutOfRange), errors.Is(err, types.ErrBadAmount),
		errors.Is(err, types.ErrBadDeadline), errors.Is(err, types.ErrLengthMismatch):
		status, code = http.StatusBadRequest, "invalid_argument"
	}
	s.writeJSON(w, route, status, apiError{Code: code, Message: err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, route, detail string) {
	s.writeJSON(w, route, http.StatusBadRequest, apiError{
		Code:    "invalid_argument",
		Message: "malformed request",
		Details: detail,
	})
}

// cached serves a read endpoint through the TTL cache. The loader runs only
// on a miss; the envelope names where the payload came from.
func (s *Server) cached(w http.ResponseWriter, route, key string, load func() (any, error)) {
	if v, ok := s.cache.Get(key); ok {
		s.writeJSON(w, route, http.StatusOK, map[string]any{"source": "cache", "data": v})
		return
	}
	v, err := load()
	if err != nil {
		s.writeError(w, route, err)
		return
	}
	s.cache.SetDefault(key, v)
	s.writeJSON(w, route, http.StatusOK, map[string]any{"source": "chain", "data": v})
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, "healthz", http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Agents ──────────────────────────────────────────────────────────────────

type registerRequest struct {
	Address    string   `json:"address"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Tags       []string `json:"capability_tags"`
	Weights    []int    `json:"capability_weights"`
	Reputation int      `json:"reputation"`
	Confidence int      `json:"confidence"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	const route = "agents"
	switch r.Method {
	case http.MethodGet:
		s.cached(w, route, "agents", func() (any, error) {
			return s.chain.AllAgents(), nil
		})
	case http.MethodPost:
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.badRequest(w, route, err.Error())
			return
		}
		if !common.IsHexAddress(req.Address) {
			s.badRequest(w, route, "address is not a hex address")
			return
		}
		addr := common.HexToAddress(req.Address)
		err := s.chain.RegisterAgent(addr, req.Name, types.AgentKind(req.Kind), req.Tags, req.Weights, req.Reputation, req.Confidence)
		if err != nil {
			s.writeError(w, route, err)
			return
		}
		s.cache.Delete("agents")
		s.writeJSON(w, route, http.StatusCreated, map[string]string{"address": addr.Hex()})
	default:
		s.writeJSON(w, route, http.StatusMethodNotAllowed, apiError{Code: "method_not_allowed", Message: r.Method})
	}
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	const route = "agent"
	raw := strings.TrimPrefix(r.URL.Path, "/agents/")
	if !common.IsHexAddress(raw) {
		s.badRequest(w, route, "address is not a hex address")
		return
	}
	addr := common.HexToAddress(raw)
	s.cached(w, route, "agent:"+addr.Hex(), func() (any, error) {
		return s.chain.GetAgent(addr)
	})
}

// ─── Tasks ───────────────────────────────────────────────────────────────────

type createTaskRequest struct {
	Creator       string   `json:"creator"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	RequiredCaps  []string `json:"required_capabilities"`
	MinReputation int      `json:"min_reputation"`
	Reward        string   `json:"reward"`
	MinBid        string   `json:"min_bid"`
	MaxBid        string   `json:"max_bid"`
	DeadlineUnix  int64    `json:"deadline"`
	Complexity    int      `json:"complexity"`
	Collaborative bool     `json:"collaborative"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	const route = "tasks"
	switch r.Method {
	case http.MethodGet:
		if status := r.URL.Query().Get("status"); status != "" {
			s.cached(w, route, "tasks:"+status, func() (any, error) {
				return s.chain.TasksByStatus(types.TaskStatus(status)), nil
			})
			return
		}
		s.cached(w, route, "tasks", func() (any, error) {
			return s.chain.AllTasks(), nil
		})
	case http.MethodPost:
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.badRequest(w, route, err.Error())
			return
		}
		if !common.IsHexAddress(req.Creator) {
			s.badRequest(w, route, "creator is not a hex address")
			return
		}
		reward, ok1 := new(big.Int).SetString(req.Reward, 10)
		minBid, ok2 := new(big.Int).SetString(req.MinBid, 10)
		maxBid, ok3 := new(big.Int).SetString(req.MaxBid, 10)
		if !ok1 || !ok2 || !ok3 {
			s.badRequest(w, route, "reward, min_bid and max_bid must be decimal integers")
			return
		}
		id, err := s.chain.CreateTask(common.HexToAddress(req.Creator), chain.TaskSpec{
			Title:         req.Title,
			Description:   req.Description,
			RequiredCaps:  req.RequiredCaps,
			MinReputation: req.MinReputation,
			Reward:        reward,
			MinBid:        minBid,
			MaxBid:        maxBid,
			Deadline:      time.Unix(req.DeadlineUnix, 0),
			Complexity:    req.Complexity,
			Collaborative: req.Collaborative,
		})
		if err != nil {
			s.writeError(w, route, err)
			return
		}
		s.cache.Flush()
		s.writeJSON(w, route, http.StatusCreated, map[string]string{"task_id": id.Hex()})
	default:
		s.writeJSON(w, route, http.StatusMethodNotAllowed, apiError{Code: "method_not_allowed", Message: r.Method})
	}
}

// handleTask routes /tasks/{id} and the action sub-paths.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := common.HexToHash(parts[0])

	if len(parts) == 1 {
		s.cached(w, "task", "task:"+taskID.Hex(), func() (any, error) {
			return s.chain.GetTask(taskID)
		})
		return
	}

	if r.Method != http.MethodPost && parts[1] != "bids" {
		s.writeJSON(w, "task_action", http.StatusMethodNotAllowed, apiError{Code: "method_not_allowed", Message: r.Method})
		return
	}

	switch parts[1] {
	case "bids":
		s.cached(w, "task_bids", "bids:"+taskID.Hex(), func() (any, error) {
			return s.chain.TaskBids(taskID), nil
		})
	case "publish":
		s.taskAction(w, r, "task_publish", taskID, func(caller common.Address, body actionRequest) error {
			return s.chain.PublishTask(caller, taskID)
		})
	case "bid":
		s.handleBid(w, r, taskID)
	case "assign":
		s.taskAction(w, r, "task_assign", taskID, func(caller common.Address, body actionRequest) error {
			if !common.IsHexAddress(body.Agent) {
				return fmt.Errorf("%w: agent is not a hex address", types.ErrAgentNotFound)
			}
			team := make([]common.Address, 0, len(body.Team))
			for _, t := range body.Team {
				team = append(team, common.HexToAddress(t))
			}
			return s.chain.AssignTask(caller, taskID, common.HexToAddress(body.Agent), team)
		})
	case "start":
		s.taskAction(w, r, "task_start", taskID, func(caller common.Address, body actionRequest) error {
			return s.chain.StartTask(caller, taskID)
		})
	case "complete":
		s.taskAction(w, r, "task_complete", taskID, func(caller common.Address, body actionRequest) error {
			return s.chain.CompleteTask(caller, taskID, body.Result)
		})
	case "fail":
		s.taskAction(w, r, "task_fail", taskID, func(caller common.Address, body actionRequest) error {
			return s.chain.FailTask(caller, taskID)
		})
	case "cancel":
		s.taskAction(w, r, "task_cancel", taskID, func(caller common.Address, body actionRequest) error {
			return s.chain.CancelTask(caller, taskID)
		})
	case "finalize":
		winner, err := s.chain.FinalizeAuction(taskID)
		if err != nil {
			s.writeError(w, "task_finalize", err)
			return
		}
		s.cache.Flush()
		rsp := map[string]any{"winner": nil}
		if winner != nil {
			rsp["winner"] = winner.Hex()
		}
		s.writeJSON(w, "task_finalize", http.StatusOK, rsp)
	case "evaluate":
		s.taskAction(w, r, "task_evaluate", taskID, func(caller common.Address, body actionRequest) error {
			return s.chain.SubmitEvaluation(caller, taskID, body.Quality, body.TagScores)
		})
	default:
		s.writeJSON(w, "task_action", http.StatusNotFound, apiError{Code: "not_found", Message: "unknown action " + parts[1]})
	}
}

type actionRequest struct {
	Caller    string         `json:"caller"`
	Agent     string         `json:"agent,omitempty"`
	Team      []string       `json:"team,omitempty"`
	Result    string         `json:"result,omitempty"`
	Quality   int            `json:"quality,omitempty"`
	TagScores map[string]int `json:"tag_scores,omitempty"`
}

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, route string, taskID common.Hash, act func(common.Address, actionRequest) error) {
	var body actionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, route, err.Error())
		return
	}
	if !common.IsHexAddress(body.Caller) {
		s.badRequest(w, route, "caller is not a hex address")
		return
	}
	if err := act(common.HexToAddress(body.Caller), body); err != nil {
		s.writeError(w, route, err)
		return
	}
	s.cache.Flush()
	s.writeJSON(w, route, http.StatusOK, map[string]string{"task_id": taskID.Hex(), "status": "ok"})
}

// ─── Bidding ─────────────────────────────────────────────────────────────────

type bidRequest struct {
	Bidder    string `json:"bidder"`
	Utility   int    `json:"utility"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"` // Hex, no 0x prefix required
	Nonce     uint64 `json:"nonce"`
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request, taskID common.Hash) {
	const route = "task_bid"
	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, route, err.Error())
		return
	}
	if !common.IsHexAddress(req.Bidder) {
		s.badRequest(w, route, "bidder is not a hex address")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		s.badRequest(w, route, "amount must be a decimal integer")
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		s.badRequest(w, route, "signature is not hex")
		return
	}
	if err := s.chain.PlaceBid(taskID, common.HexToAddress(req.Bidder), req.Utility, amount, sig, req.Nonce); err != nil {
		s.writeError(w, route, err)
		return
	}
	s.cache.Delete("bids:" + taskID.Hex())
	s.writeJSON(w, route, http.StatusCreated, map[string]string{"task_id": taskID.Hex(), "status": "accepted"})
}

// ─── Learning Statistics ─────────────────────────────────────────────────────

type agentStatistics struct {
	Agent          string                 `json:"agent"`
	Reputation     int                    `json:"reputation"`
	Workload       int                    `json:"workload"`
	TasksCompleted int                    `json:"tasks_completed"`
	AverageScore   int                    `json:"average_score"`
	History        []types.TaskScore      `json:"history"`
	Strategy       types.BiddingStrategy  `json:"strategy"`
	LearningEvents []*types.LearningEvent `json:"learning_events"`
}

func (s *Server) handleAgentStatistics(w http.ResponseWriter, r *http.Request) {
	const route = "agent_statistics"
	raw := r.URL.Query().Get("agent")
	if !common.IsHexAddress(raw) {
		s.badRequest(w, route, "agent query parameter must be a hex address")
		return
	}
	addr := common.HexToAddress(raw)
	s.cached(w, route, "stats:"+addr.Hex(), func() (any, error) {
		agent, err := s.chain.GetAgent(addr)
		if err != nil {
			return nil, err
		}
		return agentStatistics{
			Agent:          addr.Hex(),
			Reputation:     agent.Reputation,
			Workload:       agent.Workload,
			TasksCompleted: agent.TasksCompleted,
			AverageScore:   agent.AverageHistoryScore(),
			History:        agent.History,
			Strategy:       agent.Strategy,
			LearningEvents: s.chain.GetLearningEvents(addr),
		}, nil
	})
}
