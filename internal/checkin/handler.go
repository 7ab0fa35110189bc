// Package checkin serves the HTTP API used by scanners and live check-in clients.
package checkin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"gitea.jw6.us/james/beaconattend/internal/attendance"
	httperrors "gitea.jw6.us/james/beaconattend/internal/http/errors"
	"gitea.jw6.us/james/beaconattend/internal/metrics"
	"gitea.jw6.us/james/beaconattend/internal/store"
)

const (
	activeEventsLimit = 50
	// defaultLiveSource tags live check-ins that do not name their scanner.
	defaultLiveSource = "esp32_scanner"
	// maxRecordBytes bounds the body size per allowed batch record.
	maxRecordBytes = 4 << 10

	invalidRecordMessage = "Record needs bleUuid, eventId and timestamp"
)

// Enqueuer schedules background recalculation of events.
type Enqueuer interface {
	Enqueue(eventIDs ...string)
}

// Handler serves the check-in endpoints.
type Handler struct {
	svc       *attendance.Service
	store     *store.Store
	recalc    Enqueuer
	validate  *validator.Validate
	maxBatch  int
	bodyLimit int64
}

func NewHandler(svc *attendance.Service, st *store.Store, recalc Enqueuer, maxBatch int) *Handler {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	return &Handler{
		svc:       svc,
		store:     st,
		recalc:    recalc,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		maxBatch:  maxBatch,
		bodyLimit: int64(maxBatch)*maxRecordBytes + 1024,
	}
}

// Routes mounts the check-in endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/batch-checkin", h.BatchCheckin)
	r.Post("/attendance", h.RecordAttendance)
	r.Get("/active-events", h.ActiveEvents)
	r.Get("/registered-devices", h.RegisteredDevices)
	r.Route("/events/{id}", func(r chi.Router) {
		r.Get("/summaries", h.EventSummaries)
		r.Get("/stats", h.EventStats)
		r.Post("/recalculate", h.Recalculate)
	})
}

type batchRequest struct {
	// Records are decoded one by one so a malformed entry fails alone.
	Records []json.RawMessage `json:"records" validate:"required"`
}

type batchRecord struct {
	BLEUUID       string   `json:"bleUuid" validate:"required"`
	EventID       string   `json:"eventId" validate:"required"`
	Timestamp     *int64   `json:"timestamp" validate:"required"`
	ScannerSource string   `json:"scannerSource,omitempty"`
	RSSI          *float64 `json:"rssi,omitempty"`
	DeviceName    string   `json:"deviceName,omitempty"`
}

type recordResult struct {
	BLEUUID      string `json:"bleUuid"`
	Status       string `json:"status"`
	AttendanceID string `json:"attendanceId,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorKind    string `json:"errorKind,omitempty"`
}

type batchResponse struct {
	Success    bool           `json:"success"`
	Processed  int            `json:"processed"`
	Successful int            `json:"successful"`
	Duplicates int            `json:"duplicates"`
	Errors     int            `json:"errors"`
	Results    []recordResult `json:"results"`
}

// BatchCheckin ingests a scanner batch and queues recalculation of every
// touched event.
func (h *Handler) BatchCheckin(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := h.decode(w, r, &req); err != nil {
		h.decodeError(w, r, err, "Invalid request body. Expected { records: [...] }")
		return
	}
	if len(req.Records) > h.maxBatch {
		httperrors.JSONError(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("Too many records: limit is %d", h.maxBatch))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httperrors.BadRequestError(w, r, err, "Invalid request body. Expected { records: [...] }")
		return
	}

	// Records failing validation are reported in place; the rest are ingested.
	results := make([]recordResult, len(req.Records))
	sightings := make([]attendance.Sighting, 0, len(req.Records))
	positions := make([]int, 0, len(req.Records))
	invalid := 0
	for i, raw := range req.Records {
		rec, err := h.decodeRecord(raw)
		if err != nil {
			invalid++
			metrics.RecordOutcome(string(attendance.KindInvalidRecord))
			results[i] = recordResult{
				BLEUUID:   rec.BLEUUID,
				Status:    string(attendance.OutcomeError),
				Error:     invalidRecordMessage,
				ErrorKind: string(attendance.KindInvalidRecord),
			}
			continue
		}
		sightings = append(sightings, attendance.Sighting{
			DeviceIdentifier: rec.BLEUUID,
			EventRef:         rec.EventID,
			Timestamp:        time.UnixMilli(*rec.Timestamp).UTC(),
			SourceTag:        rec.ScannerSource,
			SignalStrength:   rec.RSSI,
		})
		positions = append(positions, i)
	}

	result, err := h.svc.Ingest(r.Context(), sightings)
	if err != nil {
		httperrors.InternalError(w, r, err, "ingest batch")
		return
	}
	if touched := result.TouchedEvents(); len(touched) > 0 && h.recalc != nil {
		h.recalc.Enqueue(touched...)
	}

	for j, rr := range result.Results {
		out := recordResult{
			BLEUUID:      rr.DeviceIdentifier,
			Status:       string(rr.Outcome),
			AttendanceID: rr.AttendanceID,
		}
		if rr.Err != nil {
			out.Error = rr.Err.Message
			out.ErrorKind = string(rr.Err.Kind)
		}
		results[positions[j]] = out
	}
	resp := batchResponse{
		Success:    true,
		Processed:  len(req.Records),
		Successful: result.Successful,
		Duplicates: result.Duplicates,
		Errors:     result.Errors + invalid,
		Results:    results,
	}
	httperrors.LogInfo(r, fmt.Sprintf("batch processed=%d successful=%d duplicates=%d errors=%d",
		resp.Processed, resp.Successful, resp.Duplicates, resp.Errors))
	httperrors.WriteJSON(w, http.StatusOK, resp)
}

type attendanceRequest struct {
	BLEUUID       string `json:"bleUuid" validate:"required"`
	EventID       string `json:"eventId" validate:"required"`
	Timestamp     *int64 `json:"timestamp,omitempty"`
	ScannerSource string `json:"scannerSource,omitempty"`
}

type attendanceUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type attendanceResponse struct {
	Success      bool           `json:"success"`
	AttendanceID string         `json:"attendanceId"`
	User         attendanceUser `json:"user"`
}

// RecordAttendance records a single live check-in.
func (h *Handler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	var req attendanceRequest
	if err := h.decode(w, r, &req); err != nil {
		h.decodeError(w, r, err, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httperrors.BadRequestError(w, r, err, "Missing bleUuid or eventId")
		return
	}

	user, err := h.svc.LookupUser(r.Context(), req.BLEUUID)
	if errors.Is(err, attendance.ErrUserNotFound) {
		httperrors.JSONError(w, r, http.StatusNotFound, "User not found for BLE UUID")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "lookup user")
		return
	}

	in := attendance.RecordInput{UserID: user.ID, EventRef: req.EventID, SourceTag: req.ScannerSource}
	if in.SourceTag == "" {
		in.SourceTag = defaultLiveSource
	}
	if req.Timestamp != nil {
		ts := time.UnixMilli(*req.Timestamp).UTC()
		in.Timestamp = &ts
	}

	id, err := h.svc.Record(r.Context(), in)
	switch {
	case errors.Is(err, attendance.ErrEventNotFound):
		httperrors.JSONError(w, r, http.StatusNotFound, "Event not found")
		return
	case errors.Is(err, attendance.ErrEventNotActive):
		httperrors.JSONError(w, r, http.StatusConflict, "Event is not active")
		return
	case errors.Is(err, attendance.ErrNotRegistered):
		httperrors.JSONError(w, r, http.StatusForbidden, "User not registered for event")
		return
	case err != nil:
		httperrors.InternalError(w, r, err, "record attendance")
		return
	}

	httperrors.WriteJSON(w, http.StatusOK, attendanceResponse{
		Success:      true,
		AttendanceID: id,
		User:         attendanceUser{Name: user.Name, Email: user.Email},
	})
}

type eventJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StartTime *int64 `json:"startTime"`
	EndTime   *int64 `json:"endTime"`
	IsActive  bool   `json:"isActive"`
}

// ActiveEvents lists the events scanners should look for.
func (h *Handler) ActiveEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.Events.ListActive(r.Context(), activeEventsLimit)
	if err != nil {
		httperrors.InternalError(w, r, err, "list active events")
		return
	}
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, eventJSON{
			ID:        ev.ID,
			Name:      ev.Name,
			StartTime: unixMilli(ev.StartTime),
			EndTime:   unixMilli(ev.EndTime),
			IsActive:  ev.IsActive,
		})
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "events": out})
}

// RegisteredDevices returns the broadcast identifiers registered for an event.
func (h *Handler) RegisteredDevices(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("eventId")
	if ref == "" {
		httperrors.JSONError(w, r, http.StatusBadRequest, "Missing eventId parameter")
		return
	}
	ev, err := h.svc.ResolveEvent(r.Context(), attendance.EventByID(ref), attendance.EventByName(ref))
	if errors.Is(err, attendance.ErrEventNotFound) {
		httperrors.JSONError(w, r, http.StatusNotFound, "Event not found")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "resolve event")
		return
	}

	users, err := h.store.Registrations.ListRegisteredUsers(r.Context(), ev.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "list registered devices")
		return
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.BLEIdentifier)
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "deviceUuids": ids, "count": len(ids)})
}

type summaryJSON struct {
	UserID               string  `json:"userId"`
	EventID              string  `json:"eventId"`
	TotalScans           int     `json:"totalScans"`
	PresentScans         int     `json:"presentScans"`
	AttendancePercentage float64 `json:"attendancePercentage"`
	FirstSeen            *int64  `json:"firstSeen"`
	LastSeen             *int64  `json:"lastSeen"`
	TotalDuration        int64   `json:"totalDuration"`
	CalculatedAt         int64   `json:"calculatedAt"`
}

func toSummaryJSON(s store.AttendanceSummary) summaryJSON {
	return summaryJSON{
		UserID:               s.UserID,
		EventID:              s.EventID,
		TotalScans:           s.TotalScans,
		PresentScans:         s.PresentScans,
		AttendancePercentage: s.AttendancePercentage,
		FirstSeen:            unixMilli(s.FirstSeen),
		LastSeen:             unixMilli(s.LastSeen),
		TotalDuration:        s.TotalDuration.Milliseconds(),
		CalculatedAt:         s.CalculatedAt.UnixMilli(),
	}
}

// EventSummaries lists stored summaries for an event.
func (h *Handler) EventSummaries(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.eventFromPath(w, r)
	if !ok {
		return
	}
	summaries, err := h.store.Summaries.ListForEvent(r.Context(), ev.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "list summaries")
		return
	}
	out := make([]summaryJSON, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, toSummaryJSON(s))
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "summaries": out})
}

type statsJSON struct {
	TotalRegistered int     `json:"totalRegistered"`
	TotalAttended   int     `json:"totalAttended"`
	AttendanceRate  float64 `json:"attendanceRate"`
	TotalCheckins   int     `json:"totalCheckins"`
	SyncedRecords   int     `json:"syncedRecords"`
	RealtimeRecords int     `json:"realtimeRecords"`
}

// EventStats reports raw attendance counts for an event.
func (h *Handler) EventStats(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.eventFromPath(w, r)
	if !ok {
		return
	}
	stats, err := h.svc.EventStats(r.Context(), ev.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "event stats")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "stats": statsJSON(*stats)})
}

type recalcFailureJSON struct {
	UserID string `json:"userId"`
	Error  string `json:"error"`
}

// Recalculate recomputes every summary of an event synchronously.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.eventFromPath(w, r)
	if !ok {
		return
	}
	report, err := h.svc.RecalculateEvent(r.Context(), ev.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "recalculate event")
		return
	}

	successes := make([]summaryJSON, 0, len(report.Successes))
	for _, s := range report.Successes {
		successes = append(successes, toSummaryJSON(s))
	}
	failures := make([]recalcFailureJSON, 0, len(report.Failures))
	for _, f := range report.Failures {
		httperrors.LogError(r, "recalculate user "+f.UserID, f.Err)
		failures = append(failures, recalcFailureJSON{UserID: f.UserID, Error: f.Err.Error()})
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"eventId":   ev.ID,
		"successes": successes,
		"failures":  failures,
	})
}

func (h *Handler) eventFromPath(w http.ResponseWriter, r *http.Request) (*store.Event, bool) {
	ev, err := h.store.Events.GetByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		httperrors.JSONError(w, r, http.StatusNotFound, "Event not found")
		return nil, false
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "load event")
		return nil, false
	}
	return ev, true
}

var errBodyTooLarge = errors.New("request body too large")

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.bodyLimit)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errBodyTooLarge
		}
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func (h *Handler) decodeRecord(raw json.RawMessage) (batchRecord, error) {
	var rec batchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, err
	}
	return rec, h.validate.Struct(rec)
}

func (h *Handler) decodeError(w http.ResponseWriter, r *http.Request, err error, message string) {
	if errors.Is(err, errBodyTooLarge) {
		httperrors.JSONError(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	httperrors.BadRequestError(w, r, err, message)
}

func unixMilli(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
