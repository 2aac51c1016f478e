package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"XUI-Telegram-bot/internal/catalog"
)

var ErrRemarkTaken = errors.New("remark already exists on panel")

const (
	clientIPLimit = 2
	dayMillis     = int64(24 * time.Hour / time.Millisecond)
	suffixLen     = 6
)

// Credential выданный доступ. Link сохраняется в аккаунте и показывается пользователю.
type Credential struct {
	Remark    string
	Link      string
	Family    catalog.Family
	InboundID int
	ExpiresAt time.Time
}

// Create добавляет в подходящий inbound одного клиента с тарифом plan.
func (c *Client) Create(ctx context.Context, plan catalog.Plan, remark string) (Credential, error) {
	var cred Credential
	err := c.mutate(ctx, plan.Family, func(in *Inbound, s *settings) error {
		if s.has(remark) {
			return fmt.Errorf("%w: %s", ErrRemarkTaken, remark)
		}
		expiry := c.now().Add(time.Duration(plan.Days) * 24 * time.Hour)
		entry, link, err := c.newEntry(*in, plan, remark, expiry)
		if err != nil {
			return err
		}
		s.add(entry)
		cred = Credential{Remark: remark, Link: link, Family: in.Family, InboundID: in.ID, ExpiresAt: expiry}
		return nil
	})
	if err != nil {
		return Credential{}, integrationErr(err)
	}
	c.log.Info("client created", zap.String("remark", remark), zap.Int("inbound", cred.InboundID), zap.String("plan", plan.Key))
	return cred, nil
}

// CreateBatch создаёт n клиентов с именами prefix_<suffix> одной записью в панель.
func (c *Client) CreateBatch(ctx context.Context, plan catalog.Plan, prefix string, n int) ([]Credential, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}
	creds := make([]Credential, 0, n)
	err := c.mutate(ctx, plan.Family, func(in *Inbound, s *settings) error {
		expiry := c.now().Add(time.Duration(plan.Days) * 24 * time.Hour)
		taken := make(map[string]bool, n)
		entries := make([]map[string]interface{}, 0, n)
		for len(entries) < n {
			remark := prefix + "_" + randomSuffix()
			if taken[remark] || s.has(remark) {
				continue
			}
			taken[remark] = true
			entry, link, err := c.newEntry(*in, plan, remark, expiry)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			creds = append(creds, Credential{Remark: remark, Link: link, Family: in.Family, InboundID: in.ID, ExpiresAt: expiry})
		}
		s.add(entries...)
		return nil
	})
	if err != nil {
		return nil, integrationErr(err)
	}
	c.log.Info("batch created", zap.String("prefix", prefix), zap.Int("count", n), zap.String("plan", plan.Key))
	return creds, nil
}

// Renew продлевает клиента с данным remark: срок считается от max(текущий срок, сейчас),
// лимит трафика заменяется лимитом тарифа. Новый клиент при этом не создаётся.
func (c *Client) Renew(ctx context.Context, plan catalog.Plan, remark string) (time.Time, error) {
	var expiry time.Time
	err := c.mutate(ctx, plan.Family, func(_ *Inbound, s *settings) error {
		entry := s.find(remark)
		if entry == nil {
			return fmt.Errorf("%w: %s", ErrClientNotFound, remark)
		}
		start := asInt64(entry["expiryTime"])
		if now := c.now().UnixMilli(); start < now {
			start = now
		}
		newExpiry := start + int64(plan.Days)*dayMillis
		entry["totalGB"] = plan.LimitBytes()
		entry["expiryTime"] = newExpiry
		entry["enable"] = true
		expiry = time.UnixMilli(newExpiry)
		return nil
	})
	if err != nil {
		return time.Time{}, integrationErr(err)
	}
	c.log.Info("client renewed", zap.String("remark", remark), zap.Time("expiry", expiry))
	return expiry, nil
}

// mutate выполняет read-modify-write настроек inbound под локом этого inbound.
func (c *Client) mutate(ctx context.Context, family catalog.Family, fn func(in *Inbound, s *settings) error) error {
	target, err := c.ResolveInbound(ctx, family)
	if err != nil {
		return err
	}
	lock := c.inboundLock(target.ID)
	lock.Lock()
	defer lock.Unlock()

	in, err := c.GetInbound(ctx, target.ID)
	if err != nil {
		return err
	}
	in.Family = target.Family
	if in.Stream.Network == "" {
		in.Stream = target.Stream
	}
	if in.Port == 0 {
		in.Port = target.Port
	}
	s, err := parseSettings(in)
	if err != nil {
		return err
	}
	if err := fn(&in, s); err != nil {
		return err
	}
	if err := s.store(&in); err != nil {
		return err
	}
	return c.UpdateInbound(ctx, in)
}

func (c *Client) newEntry(in Inbound, plan catalog.Plan, remark string, expiry time.Time) (map[string]interface{}, string, error) {
	id := uuid.NewString()
	entry := map[string]interface{}{
		"id":         id,
		"email":      remark,
		"totalGB":    plan.LimitBytes(),
		"expiryTime": expiry.UnixMilli(),
		"enable":     true,
	}
	switch in.Family {
	case catalog.FamilyA:
		entry["limitIp"] = clientIPLimit
		return entry, VlessLink(id, c.cfg.ServerDomain, in.Port, in.Stream, remark), nil
	case catalog.FamilyB:
		keys, err := GenerateKeyPair()
		if err != nil {
			return nil, "", err
		}
		psk, err := PresharedKey()
		if err != nil {
			return nil, "", err
		}
		entry["privateKey"] = keys.Private
		entry["publicKey"] = keys.Public
		return entry, WireguardLink(keys.Public, psk, c.cfg.ServerDomain, in.Port, remark), nil
	}
	return nil, "", fmt.Errorf("unsupported family %q", in.Family)
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}

// integrationErr оставляет известные ошибки панели как есть, остальные помечает как ErrProvisioningFailed.
func integrationErr(err error) error {
	for _, known := range []error{ErrTokenAcquisition, ErrNoSuitableInbound, ErrClientNotFound, ErrProvisioningFailed, ErrRemarkTaken} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
}
