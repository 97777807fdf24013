package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokoroten/tokoroten/internal/analysis"
	"github.com/tokoroten/tokoroten/internal/audio"
	"github.com/tokoroten/tokoroten/internal/insight"
	"github.com/tokoroten/tokoroten/internal/store"
)

const maxUploadSize = 100 * 1024 * 1024 // 100MB

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobs": s.jobs.Len()})
}

// handleUpload stores a multipart "audio" file and records it
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	file, header, err := r.FormFile("audio")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large. Maximum size is 100MB.")
			return
		}
		writeError(w, http.StatusBadRequest, "Please upload an audio file in the \"audio\" field.")
		return
	}
	defer file.Close()

	if err := os.MkdirAll(s.config.UploadDir, 0755); err != nil {
		s.internalError(w, "create upload dir", err)
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	path := filepath.Join(s.config.UploadDir, uuid.NewString()+ext)
	size, err := saveUpload(path, file)
	if err != nil {
		s.internalError(w, "save upload", err)
		return
	}

	format, err := audio.ValidateInput(path)
	if err != nil {
		os.Remove(path)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := s.store.SaveAudioFile(r.Context(), store.AudioFile{
		Filename: header.Filename,
		FilePath: path,
		FileSize: size,
		Format:   string(format),
	})
	if err != nil {
		os.Remove(path)
		s.internalError(w, "record upload", err)
		return
	}
	s.logger.Info("audio uploaded",
		zap.Int64("audio_file_id", saved.ID),
		zap.String("file", header.Filename),
		zap.Int64("bytes", size))
	writeJSON(w, http.StatusCreated, saved)
}

func saveUpload(path string, src io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return n, nil
}

// analyzeResponse pairs the key/tempo summary with the full feature set
type analyzeResponse struct {
	analysis.AnalysisSummary
	Features analysis.FeatureSet `json:"features"`
}

// handleAnalyze extracts and records the FeatureSet of an uploaded file
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	file, ok := s.audioFile(w, r)
	if !ok {
		return
	}
	start := time.Now()
	fs := s.orch.Analyze(r.Context(), file.FilePath)
	s.record(r, file.ID, "features", fs, fs.Error, time.Since(start))
	writeJSON(w, http.StatusOK, analyzeResponse{AnalysisSummary: analysis.Summary(fs), Features: fs})
}

// handleInsight runs feature extraction then the AI insight of ?type=
func (s *Server) handleInsight(w http.ResponseWriter, r *http.Request) {
	file, ok := s.audioFile(w, r)
	if !ok {
		return
	}
	provider := s.orch.Insight()
	if provider == nil {
		writeError(w, http.StatusServiceUnavailable, "Insight provider not configured.")
		return
	}

	start := time.Now()
	typ := insight.ParseType(r.URL.Query().Get("type"))
	fs := s.orch.Analyze(r.Context(), file.FilePath)
	ins := provider.Analyze(r.Context(), fs, typ)
	notes := ""
	if ins.Fallback {
		notes = "default insight"
	}
	s.record(r, file.ID, string(ins.Type), ins.Result, notes, time.Since(start))
	writeJSON(w, http.StatusOK, ins)
}

// handleProcess queues the full pipeline for an uploaded file
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	file, ok := s.audioFile(w, r)
	if !ok {
		return
	}
	var typ insight.AnalysisType
	if q := r.URL.Query().Get("insight"); q != "" {
		typ = insight.ParseType(q)
	}

	job, err := s.jobs.Create(file.ID, file.Filename, file.FilePath, typ)
	if err != nil {
		s.internalError(w, "create job", err)
		return
	}
	if err := s.jobs.Submit(job); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Server busy, try again later.")
		return
	}
	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job.View())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

// handleEvents streams job updates via SSE
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	// Set headers for SSE
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	history, updates, cancel := job.Subscribe()
	defer cancel()

	send := func(u Update) {
		fmt.Fprintf(w, "event: %s\n", u.Event)
		fmt.Fprintf(w, "data: %s\n\n", u.Message)
		flusher.Flush()
	}
	for _, u := range history {
		send(u)
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			send(u)
		}
	}
}

// handleWebSocket streams job updates as JSON messages
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	defer conn.Close()

	history, updates, cancel := job.Subscribe()
	defer cancel()

	for _, u := range history {
		if err := conn.WriteJSON(u); err != nil {
			return
		}
	}
	for u := range updates {
		if err := conn.WriteJSON(u); err != nil {
			return
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status())),
		time.Now().Add(time.Second))
}

// handleDownloadMIDI serves the combined MIDI file of a finished job
func (s *Server) handleDownloadMIDI(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	if job.Status() != StatusComplete {
		writeError(w, http.StatusConflict, "Job not complete.")
		return
	}
	name := strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename))
	w.Header().Set("Content-Type", "audio/midi")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s.mid\"", name))
	http.ServeFile(w, r, job.MIDIPath())
}

// handleStem serves one exported stem WAV of a finished job
func (s *Server) handleStem(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	stem := chi.URLParam(r, "stem")
	if !slices.Contains(audio.StemNames, stem) {
		writeError(w, http.StatusBadRequest, "Invalid stem")
		return
	}
	path := filepath.Join(job.StemsDir(), stem+".wav")
	if !fileExists(path) {
		writeError(w, http.StatusNotFound, "Audio file not available")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}

// audioFile resolves {id} to a stored audio file, writing the error
// response itself when it cannot
func (s *Server) audioFile(w http.ResponseWriter, r *http.Request) (store.AudioFile, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid audio file id.")
		return store.AudioFile{}, false
	}
	file, err := s.store.GetAudioFile(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Audio file not found.")
		return store.AudioFile{}, false
	}
	if err != nil {
		s.internalError(w, "load audio file", err)
		return store.AudioFile{}, false
	}
	return file, true
}

func (s *Server) job(w http.ResponseWriter, r *http.Request) (*Job, bool) {
	job := s.jobs.Get(chi.URLParam(r, "id"))
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found.")
		return nil, false
	}
	return job, true
}

// record persists one analysis result; failures are logged only
func (s *Server) record(r *http.Request, fileID int64, typ string, payload any, notes string, elapsed time.Duration) {
	data, err := json.Marshal(payload)
	if err == nil {
		_, err = s.store.SaveAnalysisResult(r.Context(), store.AnalysisResult{
			AudioFileID:    fileID,
			AnalysisType:   typ,
			Result:         data,
			ProcessingTime: elapsed.Seconds(),
			Notes:          notes,
		})
	}
	if err != nil {
		s.logger.Warn("persist analysis result failed",
			zap.Int64("audio_file_id", fileID),
			zap.String("analysis_type", typ),
			zap.Error(err))
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
