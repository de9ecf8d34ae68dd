// Package admin serves the broker's operator HTTP surface: health, metrics,
// debug views of the participant table and open searches, and the event feed.
package admin
