package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/loomworks/shardloom/internal/errors"
	"github.com/loomworks/shardloom/pkg/autotune"
	"github.com/loomworks/shardloom/pkg/checkpoint"
	"github.com/loomworks/shardloom/pkg/jobspec"
	"github.com/loomworks/shardloom/pkg/orchestrator"
	"github.com/loomworks/shardloom/pkg/shard"
)

const maxSpecBytes = 1 << 20

// JobsHandler serves the /v1/jobs API on top of the orchestrator and the
// checkpoint store.
type JobsHandler struct {
	Store   *checkpoint.Store
	Orch    *orchestrator.Orchestrator
	Monitor *autotune.Monitor
	Log     *zap.Logger
}

// Submit accepts a job spec (YAML or JSON body), registers the job, and
// starts it in the background.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSpecBytes))
	if err != nil {
		apperrors.RespondWithError(w, http.StatusBadRequest, apperrors.CodeBadRequest, "failed to read request body")
		return
	}

	spec, err := jobspec.Parse(body)
	if err != nil {
		apperrors.RespondWithError(w, http.StatusBadRequest, apperrors.CodeBadRequest, err.Error())
		return
	}

	job, err := h.Orch.Submit(r.Context(), spec.Name, spec.StageSpecs(), spec.Constraints())
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	// The run outlives the submit request.
	go func() {
		if err := h.Orch.Run(context.Background(), job.ID); err != nil {
			h.Log.Error("background job run failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, job)
}

func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Store.ListJobs(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// StageStatus aggregates shard state for one stage of a job.
type StageStatus struct {
	StageID    string         `json:"stage_id"`
	Shards     map[string]int `json:"shards"`
	Certified  bool           `json:"certified"`
	MerkleRoot string         `json:"merkle_root,omitempty"`
	P95        string         `json:"p95,omitempty"`

	// ETA is a rough serial upper bound: p95 times the remaining shard count.
	ETA string `json:"eta,omitempty"`
}

type JobStatusResponse struct {
	Job    *shard.Job    `json:"job"`
	Stages []StageStatus `json:"stages"`
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.Store.GetJob(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	shards, err := h.Store.ScanByJob(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	byStage := make(map[string]map[string]int)
	for _, sh := range shards {
		counts := byStage[sh.StageID]
		if counts == nil {
			counts = make(map[string]int)
			byStage[sh.StageID] = counts
		}
		counts[string(sh.Status)]++
	}

	resp := JobStatusResponse{Job: job}
	for _, stage := range job.Stages {
		st := StageStatus{StageID: stage.ID, Shards: byStage[stage.ID]}
		if st.Shards == nil {
			st.Shards = map[string]int{}
		}
		if cert, err := h.Store.GetCertificate(r.Context(), jobID, stage.ID); err == nil {
			st.Certified = cert.Certified
			st.MerkleRoot = cert.MerkleRoot
		}
		if h.Monitor != nil {
			if p95 := h.Monitor.P95(stage.ID); p95 > 0 {
				st.P95 = p95.Round(time.Millisecond).String()
				remaining := st.Shards[string(shard.StatusPending)] + st.Shards[string(shard.StatusClaimed)]
				if remaining > 0 {
					st.ETA = (p95 * time.Duration(remaining)).Round(time.Millisecond).String()
				}
			}
		}
		resp.Stages = append(resp.Stages, st)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *JobsHandler) Shards(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if _, err := h.Store.GetJob(r.Context(), jobID); err != nil {
		respondWithError(w, r, err)
		return
	}
	shards, err := h.Store.ScanByJob(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shards": shards})
}

func (h *JobsHandler) Abort(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := h.Orch.Abort(r.Context(), jobID); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": shard.JobAborted})
}

func (h *JobsHandler) Replay(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	reset, err := h.Orch.Replay(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	job, err := h.Store.GetJob(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       jobID,
		"reset_shards": reset,
		"status":       job.Status,
	})
}
