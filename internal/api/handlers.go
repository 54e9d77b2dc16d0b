package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatpulse/internal/types"
)

// healthResponse is the body of the health endpoint.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := "ok"

	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			checks["database"] = "down"
			status = "degraded"
		} else {
			checks["database"] = "ok"
		}
	}

	st := s.consumer.CurrentStatus()
	if st.Connected {
		checks["broker"] = "ok"
	} else {
		checks["broker"] = "down"
		status = "degraded"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, r, code, healthResponse{Status: status, Checks: checks})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.planner.Status(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: st})
}

func (s *Server) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	planned, err := s.planner.RunPlanningCycle(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, MessageResponse{
		Success: true,
		Message: fmt.Sprintf("planning cycle complete, %d messages planned", planned),
	})
}

func (s *Server) handlePromoterStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.promoter.Status(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: st})
}

func (s *Server) handlePromoterTrigger(w http.ResponseWriter, r *http.Request) {
	promoted, err := s.promoter.RunPromotionCycle(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, MessageResponse{
		Success: true,
		Message: fmt.Sprintf("promotion cycle complete, %d messages promoted", promoted),
	})
}

// batchSizeRequest is the body of PUT /api/pipeline/promoter/batch-size.
type batchSizeRequest struct {
	BatchSize int `json:"batchSize"`
}

func (s *Server) handleSetBatchSize(w http.ResponseWriter, r *http.Request) {
	var req batchSizeRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}

	if err := s.promoter.SetBatchSize(req.BatchSize); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, MessageResponse{
		Success: true,
		Message: fmt.Sprintf("batch size set to %d", req.BatchSize),
	})
}

func (s *Server) handleConsumerStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: s.consumer.CurrentStatus()})
}

func (s *Server) handleConsumerStart(w http.ResponseWriter, r *http.Request) {
	// The subscription must outlive the request.
	if err := s.consumer.Start(context.WithoutCancel(r.Context())); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, MessageResponse{Success: true, Message: "consumer started"})
}

func (s *Server) handleConsumerStop(w http.ResponseWriter, r *http.Request) {
	if err := s.consumer.Stop(); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, MessageResponse{Success: true, Message: "consumer stopped"})
}

func (s *Server) handleConsumerReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"planned message id is required", nil))
		return
	}

	if err := s.consumer.Replay(r.Context(), id); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, MessageResponse{
		Success: true,
		Message: fmt.Sprintf("planned message %s replayed", id),
	})
}

func (s *Server) handleQueueInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.consumer.QueueDepth(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: info})
}
