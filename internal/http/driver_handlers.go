package httpapi

import (
	"net/http"

	"github.com/example/farm-market/internal/broker"
	"github.com/example/farm-market/internal/escrow"
)

type quoteInput struct {
	Amount     int64  `json:"amount" validate:"gt=0"`
	ETAMinutes int    `json:"etaMinutes" validate:"gte=0,lte=10080"`
	Note       string `json:"note" validate:"max=500"`
}

type codeInput struct {
	Code string `json:"code" validate:"required,len=4,numeric"`
}

type checkpointInput struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
}

type tagInput struct {
	TagID    string `json:"tagId" validate:"required_without=NDEFText,max=200"`
	NDEFText string `json:"ndefText" validate:"max=500"`
}

func (s *Server) handleSubmitQuote(w http.ResponseWriter, r *http.Request) {
	var in quoteInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.broker.SubmitQuote(r.Context(), principalOf(r), pathVar(r, "id"), broker.QuoteSpec{
		Amount: in.Amount, ETAMinutes: in.ETAMinutes, Note: in.Note,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"quoteId": q.ID})
}

func (s *Server) handleMyQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.broker.MyQuote(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleMyQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.broker.MyQuotes(r.Context(), principalOf(r), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

func (s *Server) handleWithdrawQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.broker.WithdrawQuote(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleConfirmQuote(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.ConfirmQuote(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.jobs.List(r.Context(), principalOf(r), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAcceptJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.AcceptAvailable(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleConfirmJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.DriverConfirm(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePickupConfirm(w http.ResponseWriter, r *http.Request) {
	var in codeInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.PickupConfirm(r.Context(), principalOf(r), pathVar(r, "id"), in.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeliveryConfirm(w http.ResponseWriter, r *http.Request) {
	var in codeInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.DeliveryConfirm(r.Context(), principalOf(r), pathVar(r, "id"), in.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var in checkpointInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.jobs.RecordCheckpoint(r.Context(), principalOf(r), pathVar(r, "id"), *in.Lat, *in.Lng); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	t, err := s.jobs.Tracking(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleReleaseNFC(w http.ResponseWriter, r *http.Request) {
	var in tagInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.ReleaseByNFC(r.Context(), principalOf(r), pathVar(r, "jobId"), in.TagID, in.NDEFText)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	rows, err := escrow.ForTarget(r.Context(), s.store, principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.nfc.List(r.Context(), principalOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleRegisterTag(w http.ResponseWriter, r *http.Request) {
	var in tagInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	tag, err := s.nfc.Bind(r.Context(), principalOf(r), in.TagID, in.NDEFText)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}

func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	if err := s.nfc.Remove(r.Context(), principalOf(r), pathVar(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
