// Package classifier maps an answered call's transcript to a business
// outcome and extracts a payment promise when one is stated.
package classifier

import (
	"strings"
	"time"

	"github.com/unclebandit/voicecampaign-backend/internal/model"
)

// Result is the classification of one transcript. PromiseDate and
// PromiseAmount are best effort and nil when nothing could be parsed.
type Result struct {
	Outcome       model.Outcome
	PromiseDate   *time.Time
	PromiseAmount *float64
}

// Classifier is swappable; the correlator only depends on this interface.
type Classifier interface {
	Classify(transcript, endReason string) Result
}

// StatusForEndReason maps the vendor's end reason to a terminal call status.
// CallCompleted means the call was answered and the transcript should be
// classified; the other statuses carry a fixed outcome (possibly nil).
func StatusForEndReason(endReason string) (model.CallStatus, *model.Outcome) {
	r := strings.ToLower(strings.TrimSpace(endReason))
	noResponse := model.OutcomeNoResponse

	switch {
	case containsAny(r, "did-not-answer", "no-answer", "no_answer", "noanswer", "not-answered", "unanswered"):
		return model.CallNoAnswer, &noResponse
	case strings.Contains(r, "busy"):
		return model.CallBusy, &noResponse
	case containsAny(r, "voicemail", "machine-detected", "answering-machine"):
		return model.CallVoicemail, &noResponse
	case containsAny(r, "error", "failed", "failure", "rejected"):
		return model.CallFailed, nil
	}
	return model.CallCompleted, nil
}

// ordered by precedence: the first rule that matches wins.
var outcomeRules = []struct {
	outcome model.Outcome
	phrases []string
}{
	{model.OutcomePaymentPromised, []string{
		"i will pay", "i'll pay", "i can pay", "i promise to pay", "i'm going to pay",
		"i am going to pay", "will make the payment", "will make a payment", "i'll make the payment",
		"i'll send the money", "i will send the money", "i'll transfer", "i will transfer",
		"pay it on", "pay it by", "pay the full",
	}},
	{model.OutcomePartialPayment, []string{
		"partial payment", "pay part", "pay half", "part of it", "some of it", "a portion",
		"installment", "instalment", "payment plan", "pay a little",
	}},
	{model.OutcomeRefused, []string{
		"won't pay", "will not pay", "not going to pay", "refuse", "can't pay", "cannot pay",
		"stop calling", "don't call me", "do not call",
	}},
	{model.OutcomeDisputed, []string{
		"not my debt", "don't owe", "do not owe", "never received", "dispute", "already paid",
		"wrong person", "wrong number", "that's a mistake", "not mine",
	}},
	{model.OutcomeCallbackRequested, []string{
		"call me back", "call back later", "call me later", "call later", "another time",
		"not a good time", "busy right now", "call tomorrow",
	}},
}

// refusal phrases cancel a payment promise said in the same conversation.
var negationPhrases = []string{
	"won't pay", "will not pay", "not going to pay", "refuse", "can't pay", "cannot pay",
	"don't owe", "do not owe", "not my debt",
}

// KeywordClassifier is the default heuristic classifier.
type KeywordClassifier struct {
	Now func() time.Time
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{Now: time.Now}
}

func (k *KeywordClassifier) now() time.Time {
	if k.Now == nil {
		return time.Now()
	}
	return k.Now()
}

func (k *KeywordClassifier) Classify(transcript, endReason string) Result {
	speech, hasSpeech := customerSpeech(transcript)
	if !hasSpeech {
		return Result{Outcome: model.OutcomeNoResponse}
	}

	text := normalizeText(speech)
	negated := containsAny(text, negationPhrases...)

	outcome := model.OutcomeOther
	for _, rule := range outcomeRules {
		if rule.outcome == model.OutcomePaymentPromised && negated {
			continue
		}
		if containsAny(text, rule.phrases...) {
			outcome = rule.outcome
			break
		}
	}

	res := Result{Outcome: outcome}
	if outcome == model.OutcomePaymentPromised || outcome == model.OutcomePartialPayment {
		res.PromiseDate = ExtractDate(text, k.now())
		res.PromiseAmount = ExtractAmount(text)
	}
	return res
}

var customerMarkers = []string{"user:", "customer:", "caller:", "client:"}
var agentMarkers = []string{"ai:", "assistant:", "agent:", "bot:"}

// customerSpeech returns what the called party said. Transcripts without
// role markers are taken whole.
func customerSpeech(transcript string) (string, bool) {
	t := strings.TrimSpace(transcript)
	if t == "" {
		return "", false
	}

	lines := strings.Split(t, "\n")
	marked := false
	var b strings.Builder
	for _, line := range lines {
		l := strings.TrimSpace(line)
		lower := strings.ToLower(l)
		if m := prefixOf(lower, customerMarkers); m != "" {
			marked = true
			said := strings.TrimSpace(l[len(m):])
			if said != "" {
				b.WriteString(said)
				b.WriteByte('\n')
			}
			continue
		}
		if prefixOf(lower, agentMarkers) != "" {
			marked = true
		}
	}
	if !marked {
		return t, true
	}
	out := strings.TrimSpace(b.String())
	return out, out != ""
}

func prefixOf(s string, prefixes []string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return p
		}
	}
	return ""
}

func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("’", "'", "‘", "'", "\n", " ", "\t", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
