package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"semaphore/qrattendance/internal/attendance"
	"semaphore/qrattendance/internal/model"
)

type startSessionRequest struct {
	CourseID string   `json:"courseId" validate:"required"`
	ClassIDs []string `json:"classIds" validate:"required,min=1,dive,required"`
	Duration int      `json:"duration" validate:"gte=0,lte=600"`
}

type bulkMarkRequest struct {
	StudentIDs []string `json:"studentIds" validate:"required,min=1,dive,required"`
}

type extendRequest struct {
	ExtraMinutes int `json:"extraMinutes" validate:"required,gt=0,lte=600"`
}

type scanRequest struct {
	QRToken   string      `json:"qrToken" validate:"required"`
	ScannedAt json.Number `json:"scannedAt" validate:"required"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"courseId"`
	TeacherID string    `json:"teacherId"`
	ClassIDs  []string  `json:"classIds"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Active    bool      `json:"active"`
}

type classResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

type studentResponse struct {
	ID         string         `json:"id"`
	FirstName  string         `json:"firstName"`
	LastName   string         `json:"lastName"`
	MIS        string         `json:"MIS"`
	Department string         `json:"department,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	Class      *classResponse `json:"class,omitempty"`
	Present    *bool          `json:"present,omitempty"`
}

type rejectionResponse struct {
	StudentID string `json:"studentId"`
	Reason    string `json:"reason"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req startSessionRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	session, err := s.manager.StartSession(r.Context(), attendance.StartParams{
		TeacherID:       claims.UserID,
		CourseID:        req.CourseID,
		ClassIDs:        req.ClassIDs,
		DurationMinutes: req.Duration,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"session": mapSession(session)})
}

func (s *Server) handleIssueQR(w http.ResponseWriter, r *http.Request) {
	code, err := s.manager.IssueQR(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qrPayload(code))
}

func (s *Server) handleLivePresence(w http.ResponseWriter, r *http.Request) {
	students, err := s.manager.LivePresence(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := make([]studentResponse, 0, len(students))
	for _, student := range students {
		resp = append(resp, studentResponse{
			ID:        student.ID,
			FirstName: student.FirstName,
			LastName:  student.LastName,
			MIS:       student.MIS,
		})
	}
	writeSuccess(w, map[string]interface{}{"presentStudents": resp})
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	roster, err := s.manager.Roster(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := make([]studentResponse, 0, len(roster))
	for _, entry := range roster {
		item := mapStudent(entry.Student)
		present := entry.Present
		item.Present = &present
		resp = append(resp, item)
	}
	writeSuccess(w, map[string]interface{}{"students": resp})
}

func (s *Server) handleBulkMark(w http.ResponseWriter, r *http.Request) {
	var req bulkMarkRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	outcome, err := s.manager.BulkMark(r.Context(), chi.URLParam(r, "sessionId"), req.StudentIDs)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	rejected := make([]rejectionResponse, 0, len(outcome.Rejected))
	for _, rej := range outcome.Rejected {
		rejected = append(rejected, rejectionResponse{StudentID: rej.StudentID, Reason: rej.Reason})
	}
	writeSuccess(w, map[string]interface{}{
		"message": "Bulk attendance processed",
		"summary": map[string]interface{}{
			"markedCount":   len(outcome.Accepted),
			"rejectedCount": len(rejected),
			"marked":        outcome.Accepted,
			"rejected":      rejected,
		},
	})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	newEnd, err := s.manager.Extend(r.Context(), chi.URLParam(r, "sessionId"), req.ExtraMinutes)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{
		"message": "Session extended",
		"newEnd":  newEnd,
	})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.EndSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	message := "Session closed successfully"
	if result.AlreadyClosed {
		message = "Session already closed"
	}
	writeSuccess(w, map[string]interface{}{
		"message":       message,
		"alreadyClosed": result.AlreadyClosed,
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req scanRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	scannedAt, ok := parseMillis(req.ScannedAt)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid scannedAt timestamp")
		return
	}
	result, err := s.manager.Scan(r.Context(), claims.UserID, req.QRToken, scannedAt)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, map[string]interface{}{
		"message":        "Attendance marked successfully",
		"sessionId":      result.SessionID,
		"sessionEndTime": result.SessionEndTime.UnixMilli(),
	})
}

// parseMillis accepts integer or fractional millisecond timestamps.
func parseMillis(value json.Number) (int64, bool) {
	raw := strings.TrimSpace(value.String())
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, ms > 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return int64(f), true
}

func mapSession(session model.Session) sessionResponse {
	return sessionResponse{
		ID:        session.ID,
		CourseID:  session.CourseID,
		TeacherID: session.TeacherID,
		ClassIDs:  session.ClassIDs,
		StartTime: session.StartTime,
		EndTime:   session.EndTime,
		Active:    session.Active,
	}
}

func mapStudent(student model.Student) studentResponse {
	resp := studentResponse{
		ID:         student.ID,
		FirstName:  student.FirstName,
		LastName:   student.LastName,
		MIS:        student.MIS,
		Department: student.Department,
		Branch:     student.Branch,
	}
	if student.Class != nil {
		resp.Class = &classResponse{ID: student.Class.ID, Name: student.Class.Name, Code: student.Class.Code}
	}
	return resp
}
