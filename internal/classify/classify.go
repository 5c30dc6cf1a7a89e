// Package classify decides whether extracted request text asks for financial
// services. A keyword dictionary answers the unambiguous cases without a
// network call; everything else goes to the moderation model.
package classify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/lassohq/lasso/internal/moderation"
)

const (
	// Texts outside these bounds are not classified at all.
	MinTextLen = 10
	MaxTextLen = 2000
)

// financialKeywords are unambiguous financial-service terms. A hit here is a
// verdict on its own, no model round trip.
var financialKeywords = []string{
	"bank account", "banking", "wire transfer", "account balance",
	"loan", "mortgage", "credit card", "credit score", "refinanc",
	"invest", "stock", "bond", "portfolio", "dividend", "brokerage",
	"insurance", "premium payment", "annuity",
	"cryptocurrency", "crypto", "bitcoin", "ethereum",
	"tax return", "tax filing", "taxes", "irs",
	"payment", "payout", "invoice", "remittance",
	"savings account", "checking account", "interest rate",
}

// economicWords mark borderline texts: general economic vocabulary without a
// financial-service term. Strict mode gives these a second pass.
var economicWords = []string{
	"money", "price", "cost", "budget", "economy", "economic",
	"market", "financial", "finance", "wealth", "income", "salary",
	"spend", "purchase", "buy", "sell",
}

const classifyPrompt = `Classify the following user request. Reply with exactly one word:
FINANCIAL if the request seeks financial services, advice, or transactions.
NON_FINANCIAL otherwise.

Request: `

const strictPrompt = `You are a strict compliance filter. Classify the following user request.
Reply FINANCIAL only if the request clearly and directly seeks financial
services, financial advice, or financial transactions. If there is any
doubt, reply NON_FINANCIAL. Reply with exactly one word.

Request: `

// Classifier implements the financial-content policy check.
type Classifier struct {
	client *moderation.Client
	strict bool
	log    *slog.Logger
}

// New builds a Classifier. strict enables the borderline second pass.
func New(client *moderation.Client, strict bool, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{client: client, strict: strict, log: log}
}

// ContainsKeyword reports whether text holds an unambiguous financial term.
func ContainsKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range financialKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Borderline reports whether text has general economic vocabulary but no
// unambiguous financial term.
func Borderline(text string) bool {
	if ContainsKeyword(text) {
		return false
	}
	lower := strings.ToLower(text)
	for _, w := range economicWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// IsFinancial classifies text. Keyword hits return true immediately; other
// texts are sent to the model. Model errors fall back to the keyword result,
// so an unreachable moderation backend never blocks traffic.
func (c *Classifier) IsFinancial(ctx context.Context, text string) bool {
	if len(text) < MinTextLen || len(text) > MaxTextLen {
		return false
	}
	if ContainsKeyword(text) {
		return true
	}

	verdict, err := c.ask(ctx, classifyPrompt, text)
	if err != nil {
		c.log.WarnContext(ctx, "policy classifier unavailable, using keyword fallback", "error", err)
		return false // keyword check already said no
	}
	if !verdict {
		return false
	}
	if c.strict && Borderline(text) {
		second, err := c.ask(ctx, strictPrompt, text)
		if err != nil {
			c.log.WarnContext(ctx, "strict pass unavailable, keeping first verdict", "error", err)
			return true
		}
		return second
	}
	return true
}

func (c *Classifier) ask(ctx context.Context, prompt, text string) (bool, error) {
	reply, err := c.client.Complete(ctx, []moderation.Message{
		{Role: "user", Content: prompt + text},
	}, 4)
	if err != nil {
		return false, err
	}
	// Anything other than the exact token counts as non-financial.
	return strings.ToUpper(strings.TrimSpace(reply)) == "FINANCIAL", nil
}
