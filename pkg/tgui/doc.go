// Package tgui holds the Telegram markup the bot sends: inline and reply
// keyboards, callback data and HTML-safe text fragments.
package tgui
