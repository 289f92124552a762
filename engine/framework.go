package engine

import (
	"github.com/hazyhaar/docreplace/dom"
)

// Framework is a reactive-binding library whose state must be told about
// programmatic value writes.
type Framework struct {
	Name   string
	Detect Detector
	// Resync lists the events to dispatch after a value write, in order.
	Resync []string
}

// DefaultFrameworks returns the built-in detectors, most specific first.
func DefaultFrameworks() []Framework {
	return []Framework{
		{
			Name:   "react",
			Detect: Any(HasSelector("[data-reactroot], [data-reactid]"), MarkupContains("__reactfiber", "__reactprops", "react-dom")),
			Resync: []string{dom.EventFocus, dom.EventInput, dom.EventChange, dom.EventBlur},
		},
		{
			Name:   "vue",
			Detect: Any(HasSelector("[data-v-app], [data-server-rendered]"), MarkupContains("__vue__", "vue.runtime", "__nuxt")),
			Resync: []string{dom.EventInput, dom.EventChange},
		},
		{
			Name:   "angular",
			Detect: Any(HasSelector("[ng-version], [ng-app], [ng-model], [ng-reflect-model]"), MarkupContains("ng-version")),
			Resync: []string{dom.EventInput, dom.EventChange, dom.EventBlur},
		},
	}
}

// DetectFramework returns the first framework detected on the page, or nil.
func DetectFramework(p *Scan, fws []Framework) *Framework {
	for i := range fws {
		if fws[i].Detect != nil && fws[i].Detect(p) {
			fw := fws[i]
			return &fw
		}
	}
	return nil
}
