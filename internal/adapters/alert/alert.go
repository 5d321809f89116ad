// Package alert delivers operator alerts raised by the router and the
// reconciler.
package alert

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/logging"
)

// Notification is the published form of an alert.
type Notification struct {
	analytics.Alert
	RaisedAt time.Time `json:"raised_at"`
}

// Log writes alerts to the structured log. Critical alerts log at error
// level, everything else at warn.
type Log struct{}

func (Log) Alert(_ context.Context, a analytics.Alert) error {
	fields := logrus.Fields{"alert_kind": a.Kind, "severity": string(a.Severity)}
	for k, v := range a.Fields {
		fields[k] = v
	}
	if a.Severity == analytics.SeverityCritical {
		logging.LogError(a.Message, nil, fields)
		return nil
	}
	logging.LogWarn(a.Message, fields)
	return nil
}

// Multi fans an alert out to every alerter. All of them are attempted even
// when one fails.
type Multi []analytics.Alerter

func (m Multi) Alert(ctx context.Context, a analytics.Alert) error {
	var errs []error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
