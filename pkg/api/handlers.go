package api

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"laserstage/pkg/errors"
	"laserstage/pkg/motion"
	"laserstage/pkg/notify"
	"laserstage/pkg/transport"
)

const maxBodyBytes = 64 * 1024

// decode reads an optional JSON body into dst. An empty body leaves dst as is.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return errors.InvalidArgumentError("body", err.Error())
	}
	return nil
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	history := s.stage.SensorHistory()
	if history == nil {
		history = []motion.SensorReading{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": history})
}

// Connection

type connectRequest struct {
	Transport transport.Kind `json:"transport"`
	Target    string         `json:"target"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Transport == "" {
		writeError(w, errors.InvalidArgumentError("transport", "must be specified"))
		return
	}
	if err := s.link.Connect(r.Context(), req.Transport, req.Target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot().Connection)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.link.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot().Connection)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.link.Retry(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot().Connection)
}

// Motion

// moveRequest carries exactly one of the three targets.
type moveRequest struct {
	Steps      *int64   `json:"steps,omitempty"`
	MM         *float64 `json:"mm,omitempty"`
	RelativeMM *float64 `json:"relative_mm,omitempty"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	set := 0
	for _, given := range []bool{req.Steps != nil, req.MM != nil, req.RelativeMM != nil} {
		if given {
			set++
		}
	}
	if set != 1 {
		writeError(w, errors.InvalidArgumentError("move", "give exactly one of steps, mm or relative_mm"))
		return
	}

	var err error
	switch {
	case req.Steps != nil:
		err = s.stage.MoveToAbsolute(r.Context(), *req.Steps)
	case req.MM != nil:
		err = s.stage.MoveToAbsolute(r.Context(), int64(math.Round(s.stage.MMToSteps(*req.MM))))
	default:
		err = s.stage.MoveRelative(r.Context(), *req.RelativeMM)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.stage.State())
}

type jogRequest struct {
	Direction string `json:"direction"`
}

func (s *Server) handleJog(w http.ResponseWriter, r *http.Request) {
	var req jogRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	var up bool
	switch strings.ToLower(req.Direction) {
	case "up":
		up = true
	case "down":
	default:
		writeError(w, errors.InvalidArgumentError("direction", "must be up or down"))
		return
	}
	if err := s.stage.Jog(r.Context(), up); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.stage.State())
}

type stepSizeRequest struct {
	MM float64 `json:"mm"`
}

func (s *Server) handleStepSize(w http.ResponseWriter, r *http.Request) {
	var req stepSizeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.stage.SetStepSize(r.Context(), req.MM); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stage.State())
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if err := s.stage.ExecuteHoming(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.stage.State())
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.stage.EmergencyStop()
	writeJSON(w, http.StatusOK, s.stage.State())
}

func (s *Server) handleEmergencyReset(w http.ResponseWriter, r *http.Request) {
	if err := s.stage.ResetEmergency(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stage.State())
}

// handleAutoFocus starts a scan in the background and answers 202; the
// outcome arrives as a notification. With ?wait=1 the request blocks and
// returns the result instead, and closing the request cancels the scan.
func (s *Server) handleAutoFocus(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		res, err := s.stage.StartAutoFocus(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	st := s.stage.State()
	switch {
	case st.EmergencyStop:
		writeError(w, errors.EmergencyActiveError("auto-focus"))
		return
	case st.IsMoving || st.AutoFocusActive || st.Homing:
		writeError(w, errors.BusyError("auto-focus"))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.stage.StartAutoFocus(s.base); err != nil {
			s.log.WithError(err).Debug("auto-focus ended")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

// Presets

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"presets": s.stage.Presets()})
}

// savePresetRequest saves the current position when Steps is omitted.
type savePresetRequest struct {
	Name  string `json:"name"`
	Steps *int64 `json:"steps,omitempty"`
}

func (s *Server) handleSavePreset(w http.ResponseWriter, r *http.Request) {
	var req savePresetRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	var (
		p   motion.Preset
		err error
	)
	if req.Steps != nil {
		p, err = s.stage.SavePreset(r.Context(), req.Name, *req.Steps)
	} else {
		p, err = s.stage.SaveCurrentPosition(r.Context(), req.Name)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	if err := s.stage.DeletePreset(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleGotoPreset(w http.ResponseWriter, r *http.Request) {
	if err := s.stage.GotoPreset(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.stage.State())
}

// Settings

type microsteppingRequest struct {
	Microstepping int `json:"microstepping"`
}

func (s *Server) handleMicrostepping(w http.ResponseWriter, r *http.Request) {
	var req microsteppingRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.stage.SetMicrostepping(r.Context(), req.Microstepping); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stage.State())
}

type speedRequest struct {
	MMPerSec float64 `json:"mm_per_sec"`
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.stage.SetSpeed(r.Context(), req.MMPerSec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stage.State())
}

// Notifications

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, errors.InvalidArgumentError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	items := []notify.Notification{}
	if s.history != nil {
		items = append(items, s.history.Recent(limit)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}
