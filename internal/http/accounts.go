package http

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"semaphore/qrattendance/internal/auth"
	"semaphore/qrattendance/internal/model"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"role" validate:"required,oneof=teacher student"`
}

type userResponse struct {
	ID         string  `json:"id"`
	Role       string  `json:"role"`
	Email      string  `json:"email"`
	FirstName  string  `json:"firstName"`
	LastName   string  `json:"lastName"`
	Department string  `json:"department,omitempty"`
	ClassID    *string `json:"classId,omitempty"`
}

type classStatResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Code         string `json:"code"`
	TotalClasses int    `json:"totalClasses"`
}

type courseResponse struct {
	ID      string              `json:"id"`
	Name    string              `json:"name"`
	Code    string              `json:"code"`
	Classes []classStatResponse `json:"classes"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	account, err := s.accounts.GetAccountByEmail(r.Context(), req.Role, email)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		s.logger.Error("account lookup failed", zap.Error(err), zap.String("role", req.Role))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}
	if err != nil || auth.CheckPassword(account.PasswordHash, req.Password) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}

	token, err := s.identity.Issue(&auth.IdentityClaims{UserID: account.ID, Role: account.Role}, s.cfg.IdentityTokenTTL)
	if err != nil {
		s.logger.Error("identity token issue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	writeSuccess(w, map[string]interface{}{
		"token":      token,
		"serverTime": s.now().UnixMilli(),
		"user": userResponse{
			ID:         account.ID,
			Role:       account.Role,
			Email:      account.Email,
			FirstName:  account.FirstName,
			LastName:   account.LastName,
			Department: account.Department,
			ClassID:    account.ClassID,
		},
	})
}

func (s *Server) handleTeacherCourses(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	courses, err := s.accounts.ListTeacherCourses(r.Context(), claims.UserID)
	if err != nil {
		s.logger.Error("teacher courses lookup failed", zap.Error(err), zap.String("teacher_id", claims.UserID))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}
	resp := make([]courseResponse, 0, len(courses))
	for _, course := range courses {
		classes := make([]classStatResponse, 0, len(course.Classes))
		for _, c := range course.Classes {
			classes = append(classes, classStatResponse{ID: c.ID, Name: c.Name, Code: c.Code, TotalClasses: c.TotalClasses})
		}
		resp = append(resp, courseResponse{ID: course.ID, Name: course.Name, Code: course.Code, Classes: classes})
	}
	writeSuccess(w, map[string]interface{}{"courses": resp})
}
