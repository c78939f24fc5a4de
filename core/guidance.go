package core

// Guidance is the user-facing description of a rejection or failure kind.
type Guidance struct {
	UserMessage string   `json:"message"`
	Retryable   bool     `json:"retryable"`
	Suggestions []string `json:"suggestions,omitempty"`
}

var guidanceTable = map[ErrorKind]Guidance{
	KindRateLimited: {
		UserMessage: "Too many requests right now.",
		Retryable:   true,
		Suggestions: []string{"Wait for the indicated retry interval before submitting again."},
	},
	KindCooldown: {
		UserMessage: "You submitted a post recently.",
		Retryable:   true,
		Suggestions: []string{"Wait for the cooldown to expire before your next submission."},
	},
	KindAuthFailure: {
		UserMessage: "Engagement data is temporarily unavailable.",
		Retryable:   true,
		Suggestions: []string{"Try again later; the service operator has been notified."},
	},
	KindTransient: {
		UserMessage: "Engagement data could not be fetched.",
		Retryable:   true,
		Suggestions: []string{"Try again in a few minutes."},
	},
	KindAcquisitionFailed: {
		UserMessage: "Engagement data could not be fetched from any source.",
		Retryable:   true,
		Suggestions: []string{
			"Try again in a few minutes.",
			"Make sure the post is public.",
		},
	},
	KindNotFound: {
		UserMessage: "The post could not be found.",
		Retryable:   false,
		Suggestions: []string{
			"Check that the post exists and is public.",
			"Copy the link directly from the post.",
		},
	},
	KindInvalidURL: {
		UserMessage: "The link is not a valid post URL.",
		Retryable:   false,
		Suggestions: []string{"Use a link of the form https://x.com/<user>/status/<id>."},
	},
	KindInvalidUser: {
		UserMessage: "A user identity is required.",
		Retryable:   false,
		Suggestions: []string{"Sign in before submitting."},
	},
	KindDuplicate: {
		UserMessage: "This post has already been submitted.",
		Retryable:   false,
		Suggestions: []string{"Points for this post are updated automatically."},
	},
	KindMissingMention: {
		UserMessage: "The post does not mention the required brand or token.",
		Retryable:   false,
		Suggestions: []string{"Include one of the required mentions in your post."},
	},
	KindInternal: {
		UserMessage: "Something went wrong on our side.",
		Retryable:   true,
	},
}

// GuidanceFor returns the user guidance registered for kind.
// Unknown kinds fall back to the internal error entry.
func GuidanceFor(kind ErrorKind) Guidance {
	g, ok := guidanceTable[kind]
	if !ok {
		g = guidanceTable[KindInternal]
	}
	out := g
	out.Suggestions = append([]string(nil), g.Suggestions...)
	return out
}

// GuidanceKinds lists the kinds with registered guidance in a stable order.
func GuidanceKinds() []ErrorKind {
	return []ErrorKind{
		KindRateLimited, KindCooldown, KindAuthFailure, KindTransient, KindAcquisitionFailed,
		KindNotFound, KindInvalidURL, KindInvalidUser, KindDuplicate, KindMissingMention, KindInternal,
	}
}
