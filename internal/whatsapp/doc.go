// Package whatsapp is the WhatsApp Cloud API frontend.
//
// # Inbound
//
// Handler serves the webhook. GET performs the subscription handshake
// (hub.mode, hub.verify_token, hub.challenge). POST accepts event
// notifications, optionally checks X-Hub-Signature-256 against the app secret,
// converts every user message into an inbound.Event and hands it to a Sink.
// Status callbacks (sent, delivered, read) are acknowledged and ignored.
//
// The handler answers immediately; the Sink is expected to process events
// asynchronously so the platform never retries because of a slow model call.
//
// # Outbound
//
// Client talks to the Graph API. It implements inbound.MediaFetcher (two-step
// media download) and inbound.Deliverer (text message send). Outbound text is
// converted from Markdown to WhatsApp's own markup with FormatText.
package whatsapp
