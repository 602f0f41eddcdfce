package runs

import (
	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// Send delivers msg, logging instead of failing when the link is down.
func (m *Manager) Send(msg any) {
	if err := m.sender.Send(msg); err != nil {
		m.logger.Warn("send to orchestrator failed", "err", err)
	}
}

// SendUpdate sends a proxy_update for runID.
func (m *Manager) SendUpdate(runID string, content any) {
	m.Send(protocol.NewUpdate(runID, content))
}

func (m *Manager) sendText(runID, text string) {
	m.SendUpdate(runID, protocol.Text(text))
}

// SendInstanceStatus reports the status of a run's instance.
func (m *Manager) SendInstanceStatus(runID, instance string, status sandbox.Status, lastError string) {
	m.SendUpdate(runID, protocol.InstanceStatusContent{
		Type:         "sandbox_instance_status",
		InstanceName: instance,
		Provider:     string(m.sb.Provider()),
		Runtime:      m.RuntimeName(),
		Status:       string(status),
		LastSeenAt:   protocol.Now(),
		LastError:    protocol.StringPtr(lastError),
	})
}

// RuntimeName is the container CLI for container backends, nil otherwise.
func (m *Manager) RuntimeName() *string {
	if m.sb.Provider() != sandbox.ProviderContainer {
		return nil
	}
	return protocol.StringPtr(m.sb.Runtime())
}
