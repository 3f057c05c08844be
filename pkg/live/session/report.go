package session

import "github.com/vango-go/vai-live/pkg/live/protocol"

// handleReport replaces the report wholesale; status transitions are driven
// only by the server.
func (o *Orchestrator) handleReport(ev protocol.Event) {
	var next *Report
	switch r := ev.(type) {
	case protocol.ReportGenerating:
		next = &Report{ID: r.ReportID, Topic: r.ReportTopic, Status: ReportGenerating, EstimatedSeconds: r.EstimatedSeconds}
	case protocol.ReportReady:
		next = &Report{ID: r.ReportID, Topic: r.ReportTopic, Status: ReportReady, Markdown: r.MarkdownContent, HTML: r.HTMLContent}
	case protocol.ReportError:
		next = &Report{ID: r.ReportID, Status: ReportFailed, Error: r.Error, Retryable: r.Retryable}
	default:
		return
	}
	o.update(func(fx *effects) {
		if next.Status == ReportFailed && next.Topic == "" && o.report != nil && o.report.ID == next.ID {
			next.Topic = o.report.Topic
		}
		o.report = next
		fx.changed = true
	})
}

// DismissReport hides the report. A report still generating is declined
// upstream so the server can stop work on it.
func (o *Orchestrator) DismissReport() {
	var decline *protocol.ReportDecline
	o.update(func(fx *effects) {
		if o.report == nil {
			return
		}
		if o.report.Status == ReportGenerating {
			decline = &protocol.ReportDecline{ReportID: o.report.ID}
		}
		o.report = nil
		fx.changed = true
	})
	if decline != nil {
		o.conn.Send(*decline)
	}
}
