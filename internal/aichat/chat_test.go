package aichat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
)

type stubCompleter struct {
	calls int
	reply Reply
	err   error
}

func (completer *stubCompleter) Complete(ctx context.Context, prompt string) (Reply, error) {
	completer.calls++
	return completer.reply, completer.err
}

type stubLedger struct {
	balance      int64
	consumeErr   error
	consumedKeys []string
}

func (ledger *stubLedger) HasEnoughCredits(ctx context.Context, userID credits.UserID, amount credits.PositiveCredits) (bool, error) {
	return ledger.balance >= amount.Int64(), nil
}

func (ledger *stubLedger) Consume(ctx context.Context, userID credits.UserID, amount credits.PositiveCredits, idempotencyKey credits.IdempotencyKey, description string) (credits.Credits, error) {
	if ledger.consumeErr != nil {
		return 0, ledger.consumeErr
	}
	ledger.consumedKeys = append(ledger.consumedKeys, idempotencyKey.String())
	ledger.balance -= amount.Int64()
	return credits.Credits(ledger.balance), nil
}

func mustChatService(test *testing.T, completer Completer, ledger Ledger) *Service {
	test.Helper()
	service, err := NewService(completer, ledger, 2, nil)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func chatUser(test *testing.T) credits.UserID {
	test.Helper()
	userID, err := credits.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func TestChatChargesPerAnsweredMessage(test *testing.T) {
	completer := &stubCompleter{reply: Reply{Content: "hello", TotalTokens: 12}}
	ledger := &stubLedger{balance: 5}
	service := mustChatService(test, completer, ledger)

	for attempt := 0; attempt < 2; attempt++ {
		result, err := service.Chat(context.Background(), chatUser(test), "  hi  ")
		if err != nil {
			test.Fatalf("chat %d: %v", attempt, err)
		}
		if result.Reply != "hello" || result.CreditsUsed != 2 {
			test.Fatalf("unexpected result %+v", result)
		}
	}
	if ledger.balance != 1 {
		test.Fatalf("expected balance 1, got %d", ledger.balance)
	}
	if len(ledger.consumedKeys) != 2 || ledger.consumedKeys[0] == ledger.consumedKeys[1] || !strings.HasPrefix(ledger.consumedKeys[0], "chat:") {
		test.Fatalf("expected distinct chat keys, got %v", ledger.consumedKeys)
	}

	_, err := service.Chat(context.Background(), chatUser(test), "again")
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		test.Fatalf("expected insufficient credits, got %v", err)
	}
	if completer.calls != 2 {
		test.Fatalf("expected model skipped when balance is short, got %d calls", completer.calls)
	}
}

func TestChatDoesNotChargeFailedCompletions(test *testing.T) {
	completer := &stubCompleter{err: ErrModelUnavailable}
	ledger := &stubLedger{balance: 5}
	service := mustChatService(test, completer, ledger)

	if _, err := service.Chat(context.Background(), chatUser(test), "hi"); !errors.Is(err, ErrModelUnavailable) {
		test.Fatalf("expected model error, got %v", err)
	}
	if ledger.balance != 5 {
		test.Fatalf("expected no charge, got balance %d", ledger.balance)
	}
}

func TestChatRejectsBadPrompts(test *testing.T) {
	service := mustChatService(test, &stubCompleter{}, &stubLedger{balance: 5})
	testCases := []struct {
		name    string
		prompt  string
		wantErr error
	}{
		{name: "blank", prompt: " \n ", wantErr: ErrEmptyPrompt},
		{name: "too long", prompt: strings.Repeat("a", maxPromptRunes+1), wantErr: ErrPromptTooLong},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			if _, err := service.Chat(context.Background(), chatUser(test), testCase.prompt); !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestChatSurfacesConsumeRace(test *testing.T) {
	ledger := &stubLedger{balance: 5, consumeErr: credits.ErrInsufficientCredits}
	service := mustChatService(test, &stubCompleter{reply: Reply{Content: "x"}}, ledger)
	if _, err := service.Chat(context.Background(), chatUser(test), "hi"); !errors.Is(err, credits.ErrInsufficientCredits) {
		test.Fatalf("expected insufficient credits from consume, got %v", err)
	}
}

func TestNewServiceValidates(test *testing.T) {
	if _, err := NewService(nil, &stubLedger{}, 1, nil); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected config error, got %v", err)
	}
	if _, err := NewService(&stubCompleter{}, &stubLedger{}, 0, nil); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected config error for zero cost, got %v", err)
	}
}
