//go:build tinygo || wasm

// Package host is the guest side of the skill ABI: thin wrappers over the
// functions the voice host exports in its "env" module.
package host

import (
	"encoding/json"
	"unsafe"
)

// ok is the host's success code.
const ok = 0

func ptr(b []byte) (unsafe.Pointer, uint32) {
	if len(b) == 0 {
		return nil, 0
	}
	return unsafe.Pointer(&b[0]), uint32(len(b))
}

// Log writes msg to the host's skill log and audit trail.
func Log(msg string) {
	if msg == "" {
		return
	}
	p, n := ptr([]byte(msg))
	hostLog(p, n)
}

// Speak asks the host to say text aloud. It reports false when the manifest
// lacks voice:speak or no speaker is attached.
func Speak(text string) bool {
	if text == "" {
		return false
	}
	p, n := ptr([]byte(text))
	return hostSpeak(p, n) == ok
}

// Publish sends payload on subject. The subject must be listed under
// capabilities.bus.publish and the manifest must hold bus:publish.
func Publish(subject string, payload []byte) bool {
	if subject == "" {
		return false
	}
	sp, sn := ptr([]byte(subject))
	pp, pn := ptr(payload)
	return hostPublish(sp, sn, pp, pn) == ok
}

// PublishJSON marshals v and publishes it on subject.
func PublishJSON(subject string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		Log("publish: " + err.Error())
		return false
	}
	return Publish(subject, data)
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

//go:wasmimport env host_speak
func hostSpeak(ptr unsafe.Pointer, length uint32) uint32

//go:wasmimport env host_publish
func hostPublish(subjectPtr unsafe.Pointer, subjectLen uint32, payloadPtr unsafe.Pointer, payloadLen uint32) uint32
