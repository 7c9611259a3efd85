// Package intent routes free text to a workflow. A Catalog holds the known
// intents with embedded reference utterances, a Matcher ranks them by cosine
// similarity to the request, and a Detector applies the confidence threshold
// and records an intent_detection report.
package intent
