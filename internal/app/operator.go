package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/state"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64              `json:"update_id"`
	Time         time.Time          `json:"time"`
	Action       string             `json:"action"`
	Command      string             `json:"command"`
	UserID       int64              `json:"user_id"`
	Username     string             `json:"username,omitempty"`
	ChatID       int64              `json:"chat_id"`
	Symbol       string             `json:"symbol,omitempty"`
	PausedBefore bool               `json:"paused_before"`
	PausedAfter  bool               `json:"paused_after"`
	RiskBefore   *config.RiskConfig `json:"risk_before,omitempty"`
	RiskAfter    *config.RiskConfig `json:"risk_after,omitempty"`
}

func (a *App) auditEvent(action string, meta operatorMeta) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Action:   action,
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
	}
}

// operatorAuth decides which Telegram messages may drive the engine.
type operatorAuth struct {
	chatID int64
	users  map[int64]struct{}
}

func newOperatorAuth(cfg config.TelegramConfig) (operatorAuth, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return operatorAuth{}, fmt.Errorf("invalid chat_id: %w", err)
	}
	auth := operatorAuth{chatID: chatID, users: make(map[int64]struct{}, len(cfg.OperatorAllowedUserIDs))}
	for _, id := range cfg.OperatorAllowedUserIDs {
		auth.users[id] = struct{}{}
	}
	return auth, nil
}

// meta returns the command metadata for an accepted update.
func (o operatorAuth) meta(upd alerts.Update) (operatorMeta, bool) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.Chat.ID != o.chatID {
		return operatorMeta{}, false
	}
	if len(o.users) > 0 {
		if _, ok := o.users[msg.From.ID]; !ok {
			return operatorMeta{}, false
		}
	}
	return operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}, true
}

func (a *App) startOperator(ctx context.Context) {
	if a.alerts == nil || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	auth, err := newOperatorAuth(a.cfg.Telegram)
	if err != nil {
		a.log.Warn("telegram operator disabled", zap.Error(err))
		return
	}
	poll := a.cfg.Telegram.OperatorPollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	go a.operatorLoop(ctx, auth, poll)
	a.log.Info("telegram operator started", zap.Int64("chat_id", auth.chatID), zap.Int("allowed_users", len(auth.users)))
}

// operatorLoop long-polls Telegram. The next update offset is persisted
// before a command runs so a restart never replays it.
func (a *App) operatorLoop(ctx context.Context, auth operatorAuth, poll time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for ctx.Err() == nil {
		updates, err := a.alerts.GetUpdates(ctx, offset, poll)
		if err != nil {
			a.logOperatorError(err)
			timer := time.NewTimer(poll)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID < offset {
				continue
			}
			offset = upd.UpdateID + 1
			a.saveOperatorOffset(ctx, offset)
			if meta, ok := auth.meta(upd); ok {
				a.reply(ctx, meta)
			}
		}
	}
}

func (a *App) reply(ctx context.Context, meta operatorMeta) {
	cmd, args, ok := parseOperatorCommand(meta.Raw)
	if !ok {
		return
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.String("command", cmd), zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// group chats address commands as /cmd@botname
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "positions":
		var b strings.Builder
		positions, err := a.store.LoadOpenPositions(ctx)
		if err != nil {
			return "", err
		}
		writePositions(&b, positions)
		return b.String(), nil
	case "pause":
		event := a.auditEvent("pause", meta)
		event.PausedBefore = a.isPaused()
		event.PausedAfter = a.setPaused(true)
		a.auditOperatorEvent(ctx, event)
		if event.PausedBefore {
			return "new opens already paused", nil
		}
		return "new opens paused; open positions are still managed", nil
	case "halt":
		if len(args) == 0 {
			return "", errors.New("usage: /halt <symbol>")
		}
		symbol := normalizeSymbol(args[0])
		event := a.auditEvent("halt", meta)
		event.Symbol = symbol
		event.PausedBefore = a.isPaused()
		event.PausedAfter = event.PausedBefore
		a.coord.Halt(ctx, symbol, "", "operator "+describeOperator(meta))
		a.auditOperatorEvent(ctx, event)
		return fmt.Sprintf("%s halted", symbol), nil
	case "resume":
		if len(args) > 0 {
			return a.resumeSymbol(ctx, normalizeSymbol(args[0]), meta)
		}
		event := a.auditEvent("resume", meta)
		event.PausedBefore = a.isPaused()
		event.PausedAfter = a.setPaused(false)
		a.auditOperatorEvent(ctx, event)
		if !event.PausedBefore {
			return "trading already active", nil
		}
		return "trading resumed", nil
	case "risk":
		return a.handleRiskCommand(ctx, args, meta)
	default:
		return operatorHelpText(), nil
	}
}

// resumeSymbol lifts a halt left by a partial fill or a redemption timeout.
func (a *App) resumeSymbol(ctx context.Context, symbol string, meta operatorMeta) (string, error) {
	event := a.auditEvent("resume_symbol", meta)
	event.Symbol = symbol
	event.PausedBefore = a.isPaused()
	event.PausedAfter = event.PausedBefore
	cleared := a.coord.ClearHalt(ctx, symbol)
	a.auditOperatorEvent(ctx, event)
	if !cleared {
		return fmt.Sprintf("%s is not halted", symbol), nil
	}
	return fmt.Sprintf("%s resumed; it is picked up by the next manage cycle", symbol), nil
}

// normalizeSymbol accepts "btc", "BTC-USDT" or "BTC/USDT".
func normalizeSymbol(raw string) string {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	symbol = strings.TrimSuffix(symbol, "-SWAP")
	symbol = strings.ReplaceAll(symbol, "-", "/")
	if !strings.Contains(symbol, "/") {
		symbol += "/USDT"
	}
	return symbol
}

func describeOperator(meta operatorMeta) string {
	if meta.Username != "" {
		return "@" + meta.Username
	}
	return strconv.FormatInt(meta.UserID, 10)
}

func (a *App) handleRiskCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		return a.riskStatus(), nil
	}
	switch strings.ToLower(args[0]) {
	case "reset":
		event := a.auditEvent("risk_reset", meta)
		event.RiskBefore = a.riskOverrideSnapshot()
		a.clearRiskOverride()
		a.auditOperatorEvent(ctx, event)
		return "risk override cleared", nil
	case "set":
		overrides, err := parseRiskOverrides(args[1:])
		if err != nil {
			return "", err
		}
		next, err := applyRiskOverrides(a.riskConfig(), overrides)
		if err != nil {
			return "", err
		}
		event := a.auditEvent("risk_set", meta)
		event.RiskBefore = a.riskOverrideSnapshot()
		if next == a.cfg.Risk {
			a.clearRiskOverride()
		} else {
			a.setRiskOverride(next)
		}
		event.RiskAfter = a.riskOverrideSnapshot()
		a.auditOperatorEvent(ctx, event)
		return "risk override updated", nil
	default:
		return "", errors.New("unknown risk command: use /risk show|set|reset")
	}
}

func parseRiskOverrides(args []string) (map[string]float64, error) {
	if len(args) == 0 {
		return nil, errors.New("risk set requires key=value pairs")
	}
	out := make(map[string]float64)
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		if !ok || key == "" || val == "" {
			return nil, fmt.Errorf("invalid risk setting: %s", arg)
		}
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = parsed
	}
	return out, nil
}

func applyRiskOverrides(base config.RiskConfig, overrides map[string]float64) (config.RiskConfig, error) {
	next := base
	for key, val := range overrides {
		switch key {
		case "leverage":
			next.Leverage = val
		case "margin_reset_threshold":
			next.MarginResetThreshold = val
		case "profit_close_threshold":
			next.ProfitCloseThreshold = val
		case "max_allowed_slippage":
			next.MaxAllowedSlippage = val
		default:
			return config.RiskConfig{}, fmt.Errorf("unknown risk key: %s", key)
		}
	}
	if err := validateRiskOverride(next); err != nil {
		return config.RiskConfig{}, err
	}
	return next, nil
}

func validateRiskOverride(risk config.RiskConfig) error {
	if risk.Leverage < 1 {
		return errors.New("leverage must be >= 1")
	}
	if risk.MarginResetThreshold < 0 {
		return errors.New("margin_reset_threshold must be >= 0")
	}
	if risk.MaxAllowedSlippage <= 0 || risk.MaxAllowedSlippage >= 1 {
		return errors.New("max_allowed_slippage must be in (0, 1)")
	}
	return nil
}

func (a *App) operatorStatus(ctx context.Context) string {
	if a.cfg == nil {
		return "status unavailable"
	}
	open := "n/a"
	if positions, err := a.store.LoadOpenPositions(ctx); err == nil {
		open = strconv.Itoa(len(positions))
	}
	halted := a.coord.Halts()
	haltedLine := "none"
	if len(halted) > 0 {
		parts := make([]string, 0, len(halted))
		for symbol, reason := range halted {
			parts = append(parts, symbol+" ("+reason+")")
		}
		sort.Strings(parts)
		haltedLine = strings.Join(parts, ", ")
	}
	lastCycle := "n/a"
	if snap, ok, err := state.LoadCycleSnapshot(ctx, a.store); err == nil && ok {
		lastCycle = fmt.Sprintf("%s at %s", snap.Action, time.UnixMilli(snap.UpdatedAtMS).UTC().Format(time.RFC3339))
		if snap.Error != "" {
			lastCycle += " failed: " + snap.Error
		}
	}
	lines := []string{
		fmt.Sprintf("mode: %s", a.cfg.Mode),
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("open_positions: %s (max %d)", open, a.cfg.Strategy.MaxOpenPositions),
		fmt.Sprintf("halted: %s", haltedLine),
		fmt.Sprintf("last_cycle: %s", lastCycle),
		fmt.Sprintf("risk_override_active: %t", a.riskOverrideActive()),
	}
	if line := a.timescaleStatus(); line != "" {
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatRisk(r config.RiskConfig) string {
	return fmt.Sprintf("leverage=%g margin_reset_threshold=%g profit_close_threshold=%g max_allowed_slippage=%g",
		r.Leverage, r.MarginResetThreshold, r.ProfitCloseThreshold, r.MaxAllowedSlippage)
}

func (a *App) riskStatus() string {
	lines := []string{"risk effective: " + formatRisk(a.riskConfig())}
	if override := a.riskOverrideSnapshot(); override != nil {
		lines = append(lines, "risk override: "+formatRisk(*override))
	} else {
		lines = append(lines, "risk override: none")
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - engine status",
		"/positions - open positions table",
		"/pause - stop opening new positions",
		"/resume - resume opening new positions",
		"/halt <symbol> - stop automated actions on a symbol",
		"/resume <symbol> - clear a halted symbol",
		"/risk show - show active risk settings",
		"/risk set key=value ... - override risk (keys: leverage, margin_reset_threshold, profit_close_threshold, max_allowed_slippage)",
		"/risk reset - clear risk override",
	}, "\n")
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) riskConfig() config.RiskConfig {
	a.opsMu.RLock()
	override := a.riskOverride
	a.opsMu.RUnlock()
	if override == nil {
		return a.cfg.Risk
	}
	return *override
}

func (a *App) riskOverrideActive() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.riskOverride != nil
}

func (a *App) riskOverrideSnapshot() *config.RiskConfig {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	if a.riskOverride == nil {
		return nil
	}
	copy := *a.riskOverride
	return &copy
}

func (a *App) setRiskOverride(risk config.RiskConfig) {
	a.opsMu.Lock()
	a.riskOverride = &risk
	a.opsMu.Unlock()
	a.applyRisk()
}

func (a *App) clearRiskOverride() {
	a.opsMu.Lock()
	a.riskOverride = nil
	a.opsMu.Unlock()
	a.applyRisk()
}

// applyRisk hands the effective thresholds to the engine; it blocks until
// a running cycle finishes.
func (a *App) applyRisk() {
	if a.engine != nil {
		a.engine.SetRisk(a.riskConfig())
	}
}

// logOperatorError warns once per outage.
func (a *App) logOperatorError(err error) {
	if !a.operatorWarned {
		a.operatorWarned = true
		a.log.Warn("telegram operator failed", zap.Error(err))
	}
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset not saved", zap.Error(err))
	}
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := a.store.Set(ctx, key, string(payload)); err != nil {
		a.log.Warn("operator audit not saved", zap.String("action", event.Action), zap.Error(err))
	}
}
