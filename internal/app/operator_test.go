package app

import (
	"context"
	"strings"
	"testing"

	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/position"
)

func validRisk() config.RiskConfig {
	return config.RiskConfig{Leverage: 3, MarginResetThreshold: 0.15, ProfitCloseThreshold: 0.05, MaxAllowedSlippage: 0.01}
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/status now")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "status" {
		t.Fatalf("expected status, got %s", cmd)
	}
	if len(args) != 1 || args[0] != "now" {
		t.Fatalf("unexpected args: %v", args)
	}

	cmd, _, ok = parseOperatorCommand("/Positions@carry_bot")
	if !ok || cmd != "positions" {
		t.Fatalf("expected positions, got %q ok=%t", cmd, ok)
	}
	if _, _, ok := parseOperatorCommand("hello"); ok {
		t.Fatalf("expected plain text to be ignored")
	}
}

func TestOperatorAuthFiltersChatAndUsers(t *testing.T) {
	auth, err := newOperatorAuth(config.TelegramConfig{ChatID: " 42 ", OperatorAllowedUserIDs: []int64{7}})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	update := func(chat, user int64) alerts.Update {
		return alerts.Update{UpdateID: 5, Message: &alerts.Message{
			Text: "/status",
			Chat: &alerts.Chat{ID: chat},
			From: &alerts.User{ID: user, Username: "ops"},
		}}
	}
	meta, ok := auth.meta(update(42, 7))
	if !ok {
		t.Fatalf("expected allowed update")
	}
	if meta.UpdateID != 5 || meta.Raw != "/status" || meta.Username != "ops" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if _, ok := auth.meta(update(43, 7)); ok {
		t.Fatalf("expected other chat rejected")
	}
	if _, ok := auth.meta(update(42, 8)); ok {
		t.Fatalf("expected unlisted user rejected")
	}
	if _, ok := auth.meta(alerts.Update{UpdateID: 6}); ok {
		t.Fatalf("expected update without message rejected")
	}
	if _, err := newOperatorAuth(config.TelegramConfig{ChatID: "abc"}); err == nil {
		t.Fatalf("expected invalid chat id error")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"btc":           "BTC/USDT",
		"ETH-USDT":      "ETH/USDT",
		"eth-usdt-swap": "ETH/USDT",
		"SOL/USDT":      "SOL/USDT",
	}
	for in, want := range cases {
		if got := normalizeSymbol(in); got != want {
			t.Fatalf("normalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	a := newPaperApp(t)
	rec := &auditRecorder{store: a.store}
	a.store = rec
	meta := operatorMeta{UserID: 1, ChatID: 2, Raw: "/pause"}

	resp, err := a.handleOperatorCommand(context.Background(), "pause", nil, meta)
	if err != nil {
		t.Fatalf("pause error: %v", err)
	}
	if !strings.HasPrefix(resp, "new opens paused") {
		t.Fatalf("unexpected pause response: %s", resp)
	}
	if !a.isPaused() {
		t.Fatalf("expected paused")
	}
	resp, _ = a.handleOperatorCommand(context.Background(), "pause", nil, meta)
	if resp != "new opens already paused" {
		t.Fatalf("unexpected second pause response: %s", resp)
	}

	meta.Raw = "/resume"
	resp, err = a.handleOperatorCommand(context.Background(), "resume", nil, meta)
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if resp != "trading resumed" {
		t.Fatalf("unexpected resume response: %s", resp)
	}
	if a.isPaused() {
		t.Fatalf("expected resumed")
	}
	if got := rec.audits(); got != 3 {
		t.Fatalf("expected 3 audit entries, got %d", got)
	}
}

func TestOperatorHaltAndResumeSymbol(t *testing.T) {
	a := newPaperApp(t)
	ctx := context.Background()
	meta := operatorMeta{UserID: 7, Username: "ops", ChatID: 2, Raw: "/halt btc"}

	resp, err := a.handleOperatorCommand(ctx, "halt", []string{"btc"}, meta)
	if err != nil {
		t.Fatalf("halt error: %v", err)
	}
	if resp != "BTC/USDT halted" {
		t.Fatalf("unexpected halt response: %s", resp)
	}
	if !a.coord.Halted("BTC/USDT", position.ShortSwapLongSpot) {
		t.Fatalf("expected BTC/USDT halted")
	}
	if status := a.operatorStatus(ctx); !strings.Contains(status, "BTC/USDT (operator @ops)") {
		t.Fatalf("status missing halt: %s", status)
	}

	// a halted symbol is not opened
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if positions, _ := a.store.LoadOpenPositions(ctx); len(positions) != 0 {
		t.Fatalf("expected no positions for a halted symbol, got %d", len(positions))
	}

	meta.Raw = "/resume BTC-USDT"
	resp, err = a.handleOperatorCommand(ctx, "resume", []string{"BTC-USDT"}, meta)
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if !strings.HasPrefix(resp, "BTC/USDT resumed") {
		t.Fatalf("unexpected resume response: %s", resp)
	}
	if a.coord.Halted("BTC/USDT", position.ShortSwapLongSpot) {
		t.Fatalf("expected halt cleared")
	}
	resp, _ = a.handleOperatorCommand(ctx, "resume", []string{"BTC"}, meta)
	if resp != "BTC/USDT is not halted" {
		t.Fatalf("unexpected response: %s", resp)
	}

	if _, err := a.handleOperatorCommand(ctx, "halt", nil, meta); err == nil {
		t.Fatalf("expected usage error for /halt without a symbol")
	}
}

func TestOperatorPositionsTable(t *testing.T) {
	a := newPaperApp(t)
	ctx := context.Background()
	resp, err := a.handleOperatorCommand(ctx, "positions", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("positions error: %v", err)
	}
	if resp != "no open positions\n" {
		t.Fatalf("unexpected empty response: %q", resp)
	}
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	resp, err = a.handleOperatorCommand(ctx, "positions", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("positions error: %v", err)
	}
	if !strings.Contains(resp, "BTC/USDT") || !strings.Contains(strings.ToUpper(resp), "DIRECTION") {
		t.Fatalf("unexpected positions table: %s", resp)
	}
}

func TestRiskOverrideSetReset(t *testing.T) {
	a := newPaperApp(t)
	ctx := context.Background()
	meta := operatorMeta{UserID: 1, ChatID: 2, Raw: "/risk set leverage=2 profit_close_threshold=0.1"}

	resp, err := a.handleRiskCommand(ctx, []string{"set", "leverage=2", "profit_close_threshold=0.1"}, meta)
	if err != nil {
		t.Fatalf("risk set error: %v", err)
	}
	if resp != "risk override updated" {
		t.Fatalf("unexpected response: %s", resp)
	}
	if !a.riskOverrideActive() {
		t.Fatalf("expected risk override active")
	}
	risk := a.riskConfig()
	if risk.Leverage != 2 || risk.ProfitCloseThreshold != 0.1 {
		t.Fatalf("unexpected override: %+v", risk)
	}
	if risk.MarginResetThreshold != a.cfg.Risk.MarginResetThreshold {
		t.Fatalf("untouched keys must keep their base value")
	}
	if show := a.riskStatus(); !strings.Contains(show, "risk override: leverage=2") {
		t.Fatalf("unexpected risk status: %s", show)
	}

	meta.Raw = "/risk reset"
	resp, err = a.handleRiskCommand(ctx, []string{"reset"}, meta)
	if err != nil {
		t.Fatalf("risk reset error: %v", err)
	}
	if resp != "risk override cleared" {
		t.Fatalf("unexpected response: %s", resp)
	}
	if a.riskOverrideActive() {
		t.Fatalf("expected risk override cleared")
	}
}

func TestRiskSetToBaseClearsOverride(t *testing.T) {
	a := newPaperApp(t)
	ctx := context.Background()
	if _, err := a.handleRiskCommand(ctx, []string{"set", "leverage=2"}, operatorMeta{}); err != nil {
		t.Fatalf("risk set error: %v", err)
	}
	if _, err := a.handleRiskCommand(ctx, []string{"set", "leverage=3"}, operatorMeta{}); err != nil {
		t.Fatalf("risk set error: %v", err)
	}
	if a.riskOverrideActive() {
		t.Fatalf("expected override cleared when it matches the config")
	}
}

func TestApplyRiskOverridesRejectsBadInput(t *testing.T) {
	if _, err := applyRiskOverrides(validRisk(), map[string]float64{"unknown": 1}); err == nil {
		t.Fatalf("expected error for unknown key")
	}
	if _, err := applyRiskOverrides(validRisk(), map[string]float64{"max_allowed_slippage": 1.5}); err == nil {
		t.Fatalf("expected error for slippage >= 1")
	}
	if _, err := applyRiskOverrides(validRisk(), map[string]float64{"leverage": 0.5}); err == nil {
		t.Fatalf("expected error for leverage < 1")
	}
	if _, err := parseRiskOverrides([]string{"leverage"}); err == nil {
		t.Fatalf("expected error for missing value")
	}
	if _, err := parseRiskOverrides([]string{"leverage=abc"}); err == nil {
		t.Fatalf("expected error for non-numeric value")
	}
}

func TestLoadOperatorOffset(t *testing.T) {
	a := newPaperApp(t)
	ctx := context.Background()
	if got := a.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	a.saveOperatorOffset(ctx, 42)
	if got := a.loadOperatorOffset(ctx); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestHelpForUnknownCommand(t *testing.T) {
	a := newPaperApp(t)
	resp, err := a.handleOperatorCommand(context.Background(), "bogus", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resp, "/resume <symbol>") {
		t.Fatalf("expected help text, got %s", resp)
	}
}
