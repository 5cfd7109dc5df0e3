package model

import (
	"errors"
	"time"
)

type Session struct {
	ID        string
	CourseID  string
	TeacherID string
	StartTime time.Time
	EndTime   time.Time
	Active    bool
	ClassIDs  []string
}

type Class struct {
	ID   string
	Name string
	Code string
}

type Student struct {
	ID         string
	FirstName  string
	LastName   string
	Email      string
	MIS        string
	Department string
	Branch     string
	ClassID    *string
	Class      *Class
}

type Attendance struct {
	SessionID string
	StudentID string
	MarkedAt  time.Time
}

type Account struct {
	ID           string
	Role         string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Department   string
	ClassID      *string
}

type ClassStat struct {
	Class
	TotalClasses int
}

type Course struct {
	ID        string
	Name      string
	Code      string
	TeacherID string
	Classes   []ClassStat
}

var ErrNotFound = errors.New("not found")
