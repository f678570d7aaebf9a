// Package webhook receives WhatsApp Cloud API webhook deliveries.
//
// GET /webhook answers the subscription handshake. POST /webhook carries
// notifications; only the first message of the first change with field
// "messages" is processed. Text is recorded directly. Image, document, audio
// and video messages are resolved through the provider, downloaded, saved by
// the media relay and recorded with a reference to the saved file.
//
// Every accepted delivery is acknowledged with 200, including malformed
// bodies and internal failures, which are logged and counted instead. When an
// app secret is configured the X-Hub-Signature-256 header must match or the
// request is rejected with 401.
//
// Provider message ids pass through a dedupe.Guard so redeliveries are
// recorded once. A delivery that fails after claiming its id releases it,
// letting the provider's retry through.
package webhook
