// Package events publishes relay actions to a Redis stream so dashboards and
// chat bots can follow switches without polling the control surface.
package events
