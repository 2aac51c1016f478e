package services

import (
	"context"
	"sync"
	"time"

	"XUI-Telegram-bot/internal/logger"
	"XUI-Telegram-bot/internal/panel"
)

// PanelProbe проверяет доступность панели чтением списка inbound
type PanelProbe interface {
	ListInbounds(ctx context.Context) ([]panel.Inbound, error)
}

type PanelStatus struct {
	Online      bool      `json:"online"`
	Inbounds    int       `json:"inbounds"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// StatusMonitor периодически опрашивает панель и сообщает админам о смене состояния.
type StatusMonitor struct {
	probe  PanelProbe
	alert  func(string)
	mu     sync.RWMutex
	last   PanelStatus
	probed bool
}

func NewStatusMonitor(probe PanelProbe, alert func(string)) *StatusMonitor {
	if alert == nil {
		alert = logger.NotifyAdmin
	}
	return &StatusMonitor{probe: probe, alert: alert}
}

func (m *StatusMonitor) Status() PanelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Check опрашивает панель. Уведомление отправляется только при переходе
// online -> offline и обратно.
func (m *StatusMonitor) Check(ctx context.Context) PanelStatus {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	inbounds, err := m.probe.ListInbounds(ctx)
	status := PanelStatus{Online: err == nil, Inbounds: len(inbounds), LastChecked: time.Now()}
	if err != nil {
		status.Error = err.Error()
	}

	m.mu.Lock()
	prev, probed := m.last, m.probed
	m.last, m.probed = status, true
	m.mu.Unlock()

	switch {
	case !status.Online && (!probed || prev.Online):
		m.alert("Панель недоступна: " + status.Error)
	case status.Online && probed && !prev.Online:
		m.alert("Панель снова доступна")
	}
	return status
}
