package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"XUI-Telegram-bot/config"
	"XUI-Telegram-bot/internal/catalog"
	"XUI-Telegram-bot/internal/db"
	"XUI-Telegram-bot/internal/db/dbtest"
	"XUI-Telegram-bot/internal/panel"
	"XUI-Telegram-bot/internal/pricing"
	"XUI-Telegram-bot/internal/session"
	"XUI-Telegram-bot/internal/settlement"
)

const adminID = 99

type fakeAPI struct {
	mu      sync.Mutex
	sent    []tgbotapi.Chattable
	answers []string
	members map[string]string
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.answers = append(f.answers, cb.Text)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetChatMember(cfg tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return tgbotapi.ChatMember{Status: f.members[cfg.SuperGroupUsername]}, nil
}

func (f *fakeAPI) texts(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok && m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeAPI) lastText(t *testing.T, chatID int64) string {
	t.Helper()
	texts := f.texts(chatID)
	require.NotEmpty(t, texts)
	return texts[len(texts)-1]
}

func (f *fakeAPI) photos(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		if p, ok := c.(tgbotapi.PhotoConfig); ok && p.ChatID == chatID {
			n++
		}
	}
	return n
}

func (f *fakeAPI) edits() []tgbotapi.EditMessageTextConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.EditMessageTextConfig
	for _, c := range f.sent {
		if e, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeAPI) lastMarkup(t *testing.T, chatID int64) tgbotapi.InlineKeyboardMarkup {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if m, ok := f.sent[i].(tgbotapi.MessageConfig); ok && m.ChatID == chatID {
			kb, ok := m.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
			require.True(t, ok)
			return kb
		}
	}
	t.Fatalf("no message to %d", chatID)
	return tgbotapi.InlineKeyboardMarkup{}
}

func callbackData(kb tgbotapi.InlineKeyboardMarkup) []string {
	var out []string
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			if btn.CallbackData != nil {
				out = append(out, *btn.CallbackData)
			}
		}
	}
	return out
}

type stubPanel struct {
	mu      sync.Mutex
	created []string
	// если release задан, Create сообщает в entered и ждёт release
	entered chan struct{}
	release chan struct{}
}

func (p *stubPanel) Create(ctx context.Context, plan catalog.Plan, remark string) (panel.Credential, error) {
	if p.release != nil {
		p.entered <- struct{}{}
		<-p.release
		if err := ctx.Err(); err != nil {
			return panel.Credential{}, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, remark)
	return panel.Credential{
		Remark: remark, Link: "vless://id@vpn.example.com:443#" + remark, Family: plan.Family,
		ExpiresAt: time.Now().Add(time.Duration(plan.Days) * 24 * time.Hour),
	}, nil
}

func (p *stubPanel) CreateBatch(ctx context.Context, plan catalog.Plan, prefix string, n int) ([]panel.Credential, error) {
	creds := make([]panel.Credential, 0, n)
	for i := 0; i < n; i++ {
		c, _ := p.Create(ctx, plan, prefix+"_"+strings.Repeat("a", i+1))
		creds = append(creds, c)
	}
	return creds, nil
}

func (p *stubPanel) Renew(_ context.Context, _ catalog.Plan, _ string) (time.Time, error) {
	return time.Now().Add(30 * 24 * time.Hour), nil
}

type fixedRate struct{}

func (fixedRate) PriceToman(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(5000), nil
}

type harness struct {
	api   *fakeAPI
	conn  *gorm.DB
	panel *stubPanel
	bot   *Bot
}

func newHarness(t *testing.T, channels ...string) *harness {
	t.Helper()
	h := &harness{api: &fakeAPI{members: map[string]string{}}, conn: dbtest.Open(t), panel: &stubPanel{}}
	cfg := &config.AppConfig{AdminIDs: []int64{adminID}, Channels: channels, SupportURL: "https://t.me/support"}
	coord := settlement.New(settlement.Deps{
		DB:       h.conn,
		Panel:    h.panel,
		Notifier: NewMessenger(h.api),
		Quoter:   pricing.NewInvoicer(fixedRate{}, map[string]string{"TRX": "TXaddr", "TON": "UQaddr"}),
		Alert:    func(string) {},
	})
	h.bot = New(Deps{
		API:         h.api,
		DB:          h.conn,
		Machine:     session.NewMachine(session.NewMemoryStore(time.Hour)),
		Coordinator: coord,
		Config:      cfg,
		BotUsername: "xui_bot",
	})
	return h
}

func (h *harness) message(from int64, text string) {
	msg := &tgbotapi.Message{From: &tgbotapi.User{ID: from, UserName: "u"}, Chat: &tgbotapi.Chat{ID: from}, Text: text}
	if strings.HasPrefix(text, "/") {
		n := len(text)
		if i := strings.IndexByte(text, ' '); i > 0 {
			n = i
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Length: n}}
	}
	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: msg})
}

func (h *harness) callback(from int64, data string) {
	h.callbackOn(from, data, &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: from}})
}

func (h *harness) callbackOn(from int64, data string, msg *tgbotapi.Message) {
	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb", From: &tgbotapi.User{ID: from}, Message: msg, Data: data,
	}})
}

func (h *harness) user(t *testing.T, id int64) db.User {
	t.Helper()
	u, err := db.GetUser(h.conn, id)
	require.NoError(t, err)
	return u
}

func TestStartWithReferral(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 0, nil)

	h.message(2, "/start ref_1")
	u := h.user(t, 2)
	require.NotNil(t, u.ReferrerID)
	assert.Equal(t, int64(1), *u.ReferrerID)
	assert.Contains(t, h.api.lastText(t, 1), "новый пользователь")
	assert.Contains(t, h.api.lastText(t, 2), "Добро пожаловать")

	h.message(3, "/start ref_3")
	assert.Nil(t, h.user(t, 3).ReferrerID, "self referral is ignored")

	h.message(2, "/start ref_3")
	assert.Equal(t, int64(1), *h.user(t, 2).ReferrerID, "referrer is fixed at creation")
}

func TestWalletPurchaseFlow(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 150000, nil)

	h.callback(1, cbFamily+string(catalog.FamilyA))
	h.message(1, "ab")
	assert.Contains(t, h.api.lastText(t, 1), "не короче 4")
	h.message(1, "alice1")
	h.callback(1, cbSkipDisc)
	h.callback(1, cbPlan+"plan_a")
	assert.Contains(t, h.api.lastText(t, 1), "100000")
	h.callback(1, cbPayWallet)

	u := h.user(t, 1)
	assert.Equal(t, int64(50000), u.WalletBalance)
	assert.Equal(t, "alice1", u.Remarks)
	assert.Equal(t, 1, h.api.photos(1))
	assert.Equal(t, []string{"alice1"}, h.panel.created)
}

func TestWalletOptionHiddenWhenBalanceTooLow(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 0, nil)

	h.callback(1, cbFamily+string(catalog.FamilyA))
	h.message(1, "alice1")
	h.callback(1, cbSkipDisc)
	h.callback(1, cbPlan+"plan_a")
	assert.Contains(t, h.api.lastText(t, 1), "не хватает")
	data := callbackData(h.api.lastMarkup(t, 1))
	assert.NotContains(t, data, cbPayWallet)
	assert.Contains(t, data, cbPayCrypto)
	assert.Contains(t, data, cbMenu)

	h.callback(1, cbPayWallet)
	assert.Empty(t, h.panel.created, "stale button is still guarded by the debit")
	assert.Equal(t, int64(0), h.user(t, 1).WalletBalance)
}

func TestWalletOptionShownForDiscountedPrice(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 80000, nil)
	require.NoError(t, h.conn.Create(&db.Discount{Code: "SALE20", UserID: 1, DiscountPercentage: 20}).Error)

	h.callback(1, cbFamily+string(catalog.FamilyA))
	h.message(1, "alice1")
	h.message(1, "SALE20")
	h.callback(1, cbPlan+"plan_a")
	assert.Contains(t, callbackData(h.api.lastMarkup(t, 1)), cbPayWallet)
}

func TestMenuButtonLeavesFlow(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 0, nil)

	h.callback(1, cbFamily+string(catalog.FamilyA))
	h.message(1, "alice1")
	assert.Contains(t, callbackData(h.api.lastMarkup(t, 1)), cbMenu)
	h.callback(1, cbSkipDisc)
	assert.Contains(t, callbackData(h.api.lastMarkup(t, 1)), cbMenu)

	h.callback(1, cbMenu)
	s, err := h.bot.machine.Current(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, s.Active())
	assert.Equal(t, "Главное меню", h.api.lastText(t, 1))

	h.callback(1, cbPlan+"plan_a")
	assert.Contains(t, h.api.lastText(t, 1), "недоступно")
}

func TestRunFinishesStartedPaymentOnShutdown(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 150000, nil)
	h.callback(1, cbFamily+string(catalog.FamilyA))
	h.message(1, "alice1")
	h.callback(1, cbSkipDisc)
	h.callback(1, cbPlan+"plan_a")

	h.panel.entered = make(chan struct{}, 1)
	h.panel.release = make(chan struct{})
	updates := make(chan tgbotapi.Update, 1)
	updates <- tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb", From: &tgbotapi.User{ID: 1}, Message: &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: 1}}, Data: cbPayWallet,
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.bot.Run(ctx, updates)
		close(done)
	}()
	<-h.panel.entered
	cancel()
	close(h.panel.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	u := h.user(t, 1)
	assert.Equal(t, "alice1", u.Remarks)
	assert.Equal(t, int64(50000), u.WalletBalance)
}

func TestDiscountCodeFlow(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 150000, nil)
	require.NoError(t, h.conn.Create(&db.Discount{Code: "SALE20", UserID: 1, DiscountPercentage: 20}).Error)

	h.callback(1, cbFamily+string(catalog.FamilyA))
	h.message(1, "alice1")
	h.message(1, "WRONG")
	assert.Contains(t, h.api.lastText(t, 1), "недействителен")
	h.message(1, "SALE20")
	h.callback(1, cbPlan+"plan_a")
	assert.Contains(t, h.api.lastText(t, 1), "80000")
	h.callback(1, cbPayWallet)
	assert.Equal(t, int64(70000), h.user(t, 1).WalletBalance)
}

func TestCryptoReceiptApproval(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 0, nil)

	h.callback(1, cbFamily+string(catalog.FamilyA))
	h.message(1, "alice1")
	h.callback(1, cbSkipDisc)
	h.callback(1, cbPlan+"plan_a")
	h.callback(1, cbPayCrypto)
	h.callback(1, cbCoin+"TRX")
	assert.Contains(t, h.api.lastText(t, 1), "20 TRX")

	h.message(1, "short")
	assert.Contains(t, h.api.lastText(t, 1), "TxID")
	h.message(1, strings.Repeat("c0ffee", 11))
	assert.Contains(t, h.api.lastText(t, 1), "на проверку")

	receipt := h.api.lastText(t, adminID)
	assert.Contains(t, receipt, "Заявка #1")
	kb := h.api.lastMarkup(t, adminID)
	require.Len(t, kb.InlineKeyboard, 1)
	approve := *kb.InlineKeyboard[0][0].CallbackData
	assert.Equal(t, "v1:ap:1", approve)

	msg := &tgbotapi.Message{MessageID: 7, Chat: &tgbotapi.Chat{ID: adminID}, Text: receipt}
	h.callbackOn(adminID, approve, msg)
	assert.Equal(t, "alice1", h.user(t, 1).Remarks)
	assert.Equal(t, 1, h.api.photos(1))
	edits := h.api.edits()
	require.Len(t, edits, 1)
	assert.Equal(t, 7, edits[0].MessageID)
	assert.Contains(t, edits[0].Text, "Подтверждено")

	h.callbackOn(adminID, approve, msg)
	assert.Equal(t, []string{"alice1"}, h.panel.created)
	assert.Equal(t, "Эта заявка уже обработана.", h.api.answers[len(h.api.answers)-1])
}

func TestDecisionRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 0, nil)
	h.callback(1, "v1:ap:1")
	assert.Equal(t, "Недостаточно прав", h.api.answers[0])
}

func TestFreeTrialOnce(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 0, nil)

	h.callback(1, cbTrial+string(catalog.FamilyB))
	assert.True(t, h.user(t, 1).HasTest)
	h.bot.limiter.now = func() time.Time { return time.Now().Add(time.Minute) }
	h.callback(1, cbTrial+string(catalog.FamilyB))
	assert.Contains(t, h.api.lastText(t, 1), "уже получали")
	assert.Len(t, h.panel.created, 1)
}

func TestMaintenanceGate(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 0, nil)

	h.message(adminID, "/admin_maintenance")
	assert.True(t, h.bot.InMaintenance())
	h.message(1, "/wallet")
	assert.Contains(t, h.api.lastText(t, 1), "обслуживании")
	h.message(adminID, "/wallet")
	assert.Contains(t, h.api.lastText(t, adminID), "Баланс")
}

func TestChannelGate(t *testing.T) {
	h := newHarness(t, "@news")
	h.api.members["@news"] = "left"

	h.message(1, "/wallet")
	assert.Contains(t, h.api.lastText(t, 1), "подпишитесь")
	h.callback(1, cbCheckJoined)
	assert.Contains(t, h.api.lastText(t, 1), "не найдена")

	h.api.members["@news"] = "member"
	h.callback(1, cbCheckJoined)
	assert.Contains(t, h.api.lastText(t, 1), "Спасибо")
}

func TestRenewNeedsSubscription(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedUser(t, h.conn, 1, 0, nil)
	h.callback(1, cbRenew)
	assert.Contains(t, h.api.lastText(t, 1), "не найдена")

	require.NoError(t, h.conn.Model(&db.User{}).Where("user_id = ?", 1).
		Updates(map[string]interface{}{"remarks": "bob22", "service_type": "wireguard"}).Error)
	h.callback(1, cbRenew)
	s, err := h.bot.machine.Current(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, session.AwaitingDiscountCode, s.State)
	assert.Equal(t, catalog.FamilyB, s.Order.Family)
}

func TestAdminBulkFlow(t *testing.T) {
	h := newHarness(t)
	h.message(adminID, "/admin_bulk")
	h.callback(adminID, cbBulkPlan+catalog.RewardPlanKey)
	h.message(adminID, "2")
	h.message(adminID, "shop")
	assert.Len(t, h.panel.created, 2)
	assert.Contains(t, h.api.lastText(t, adminID), "создано 2")
}

func TestAdminTestCharge(t *testing.T) {
	h := newHarness(t)
	h.message(adminID, "/admin_charge")
	h.message(adminID, "abc")
	assert.Contains(t, h.api.lastText(t, adminID), "положительное")
	h.message(adminID, "100000")
	assert.Contains(t, h.api.lastText(t, adminID), "100000")
	assert.Equal(t, int64(100000), h.user(t, adminID).WalletBalance)
}

func TestNonAdminCannotUseAdminCommands(t *testing.T) {
	h := newHarness(t)
	h.message(1, "/admin_bulk")
	assert.Contains(t, h.api.lastText(t, 1), "Неизвестная команда")
	s, err := h.bot.machine.Current(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, s.Active())
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRateLimiter(func(id int64) bool { return id == adminID })
	r.now = func() time.Time { return now }

	assert.False(t, r.IsLimited(1, "buy"))
	assert.True(t, r.IsLimited(1, "buy"))
	assert.False(t, r.IsLimited(2, "buy"))
	assert.False(t, r.IsLimited(adminID, "buy"))
	assert.False(t, r.IsLimited(adminID, "buy"))

	now = now.Add(4 * time.Second)
	assert.False(t, r.IsLimited(1, "buy"))

	now = now.Add(2 * time.Hour)
	r.Forget()
	assert.Empty(t, r.lastCall)
}

func TestMessengerSendCredential(t *testing.T) {
	api := &fakeAPI{}
	m := NewMessenger(api)
	require.NoError(t, m.SendCredential(5, "готово", "vless://abc@host:443#x"))
	assert.Equal(t, []string{"готово"}, api.texts(5))
	assert.Equal(t, 1, api.photos(5))

	require.NoError(t, m.SendDocument(5, "shop_configs.txt", []byte("a\nb\n"), "2"))
	doc, ok := api.sent[len(api.sent)-1].(tgbotapi.DocumentConfig)
	require.True(t, ok)
	assert.Equal(t, "2", doc.Caption)
}
