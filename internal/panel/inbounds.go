package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"XUI-Telegram-bot/internal/catalog"
)

// Транспорты, на которых панель держит клиентов семейства A.
var familyATransports = map[string]bool{
	"tcp": true, "ws": true, "grpc": true, "kcp": true, "h2": true, "http": true,
}

type StreamSettings struct {
	Network     string `json:"network"`
	Security    string `json:"security"`
	TLSSettings struct {
		ServerName string `json:"serverName"`
	} `json:"tlsSettings"`
}

// Inbound точка входа на панели. Family вычисляется один раз при разборе,
// raw хранит объект целиком, чтобы update отправлял обратно все поля панели.
type Inbound struct {
	ID       int
	Remark   string
	Port     int
	Protocol string
	Family   catalog.Family
	Stream   StreamSettings

	raw map[string]json.RawMessage
}

func decodeInbound(data json.RawMessage) (Inbound, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound: %w", err)
	}
	var head struct {
		ID       int    `json:"id"`
		Remark   string `json:"remark"`
		Port     int    `json:"port"`
		Protocol string `json:"protocol"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound: %w", err)
	}
	in := Inbound{ID: head.ID, Remark: head.Remark, Port: head.Port, Protocol: head.Protocol, raw: raw}
	if ss := embeddedJSON(raw["streamSettings"]); len(ss) > 0 {
		// битые streamSettings не мешают выбору по remark
		_ = json.Unmarshal(ss, &in.Stream)
	}
	in.Family = classify(in.Protocol, in.Stream.Network)
	return in, nil
}

func classify(protocol, network string) catalog.Family {
	if strings.EqualFold(protocol, "wireguard") || network == "wireguard" {
		return catalog.FamilyB
	}
	return catalog.FamilyA
}

// embeddedJSON разворачивает поле, которое панель отдаёт строкой с JSON внутри.
func embeddedJSON(field json.RawMessage) []byte {
	field = bytes.TrimSpace(field)
	if len(field) == 0 || bytes.Equal(field, []byte("null")) {
		return nil
	}
	if field[0] == '"' {
		var s string
		if err := json.Unmarshal(field, &s); err != nil {
			return nil
		}
		return []byte(s)
	}
	return field
}

func (c *Client) ListInbounds(ctx context.Context) ([]Inbound, error) {
	obj, err := c.read(ctx, "/panel/api/inbounds/list")
	if err != nil {
		return nil, fmt.Errorf("list inbounds: %w", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(obj, &items); err != nil {
		return nil, fmt.Errorf("list inbounds: %w", err)
	}
	inbounds := make([]Inbound, 0, len(items))
	for _, item := range items {
		in, err := decodeInbound(item)
		if err != nil {
			c.log.Warn("skip undecodable inbound", zap.Error(err))
			continue
		}
		inbounds = append(inbounds, in)
	}
	return inbounds, nil
}

func (c *Client) GetInbound(ctx context.Context, id int) (Inbound, error) {
	obj, err := c.read(ctx, "/panel/api/inbounds/get/"+strconv.Itoa(id))
	if err != nil {
		return Inbound{}, fmt.Errorf("get inbound %d: %w", id, err)
	}
	return decodeInbound(obj)
}

// UpdateInbound записывает объект inbound целиком. Не повторяется.
func (c *Client) UpdateInbound(ctx context.Context, in Inbound) error {
	_, err := c.request(ctx, "POST", "/panel/api/inbounds/update/"+strconv.Itoa(in.ID), in.raw)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTokenAcquisition) {
		return err
	}
	return fmt.Errorf("%w: update inbound %d: %v", ErrProvisioningFailed, in.ID, err)
}

// ResolveInbound выбирает inbound для семейства: сначала по настроенному remark,
// затем по транспорту.
func (c *Client) ResolveInbound(ctx context.Context, family catalog.Family) (Inbound, error) {
	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return Inbound{}, err
	}
	return resolve(inbounds, c.cfg.InboundRemark, family)
}

func resolve(inbounds []Inbound, remark string, family catalog.Family) (Inbound, error) {
	for _, in := range inbounds {
		if remark != "" && in.Remark == remark && in.Family == family {
			return in, nil
		}
	}
	for _, in := range inbounds {
		switch family {
		case catalog.FamilyA:
			if in.Family == catalog.FamilyA && familyATransports[in.Stream.Network] {
				return in, nil
			}
		case catalog.FamilyB:
			if in.Family == catalog.FamilyB {
				return in, nil
			}
		}
	}
	return Inbound{}, fmt.Errorf("%w for %s", ErrNoSuitableInbound, family)
}

// settings разобранный блоб настроек inbound со списком clients или peers
type settings struct {
	fields map[string]interface{}
	key    string
}

func parseSettings(in Inbound) (*settings, error) {
	s := &settings{fields: map[string]interface{}{}}
	if data := embeddedJSON(in.raw["settings"]); len(data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&s.fields); err != nil {
			return nil, fmt.Errorf("decode settings of inbound %d: %w", in.ID, err)
		}
	}
	s.key = "clients"
	if in.Family == catalog.FamilyB {
		_, hasPeers := s.fields["peers"]
		_, hasClients := s.fields["clients"]
		if hasPeers || !hasClients {
			s.key = "peers"
		}
	}
	return s, nil
}

func (s *settings) list() []interface{} {
	l, _ := s.fields[s.key].([]interface{})
	return l
}

func (s *settings) add(entries ...map[string]interface{}) {
	l := s.list()
	for _, e := range entries {
		l = append(l, e)
	}
	s.fields[s.key] = l
}

func (s *settings) find(email string) map[string]interface{} {
	for _, item := range s.list() {
		if m, ok := item.(map[string]interface{}); ok && m["email"] == email {
			return m
		}
	}
	return nil
}

func (s *settings) has(email string) bool {
	return s.find(email) != nil
}

// store кладёт настройки обратно в inbound строкой JSON, как их хранит панель.
func (s *settings) store(in *Inbound) error {
	data, err := json.Marshal(s.fields)
	if err != nil {
		return err
	}
	field, err := json.Marshal(string(data))
	if err != nil {
		return err
	}
	in.raw["settings"] = field
	return nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return int64(f)
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
