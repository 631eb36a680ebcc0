package domain

import "fmt"

// AlertRule identifies the deadline proximity that fired an alert.
type AlertRule string

const (
	DueToday    AlertRule = "due-today"
	DueTomorrow AlertRule = "due-tomorrow"
)

// Severity classes attached to deadline alerts.
type Severity string

const (
	SeverityUrgent Severity = "urgent"
	SeverityInfo   Severity = "info"
)

// Alert is an ephemeral deadline notification for a single task. Alerts are
// produced and consumed within one scan; nothing is persisted.
type Alert struct {
	TaskID   string    `json:"taskId"`
	Title    string    `json:"title"`
	Rule     AlertRule `json:"rule"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Key identifies the alert for suppression purposes: one task can fire each
// rule at most once per scan window.
func (a Alert) Key() string {
	return a.TaskID + ":" + string(a.Rule)
}

// ScanDeadlines walks tasks once, in input order, and emits one alert per
// task whose deadline falls on today or the day after.
func ScanDeadlines(tasks []Task, today Date) []Alert {
	tomorrow := today.AddDays(1)
	var alerts []Alert
	for _, t := range tasks {
		if t.Deadline == nil {
			continue
		}
		switch {
		case t.Deadline.Equal(today):
			alerts = append(alerts, Alert{
				TaskID:   t.ID,
				Title:    t.Title,
				Rule:     DueToday,
				Severity: SeverityUrgent,
				Message:  fmt.Sprintf("Task %q is due today", t.Title),
			})
		case t.Deadline.Equal(tomorrow):
			alerts = append(alerts, Alert{
				TaskID:   t.ID,
				Title:    t.Title,
				Rule:     DueTomorrow,
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("Task %q is due tomorrow", t.Title),
			})
		}
	}
	return alerts
}
