// Package ctaphid implements the CTAP HID transport as a usb.Class.
//
// The class owns the interrupt endpoints and the HID framing: it reassembles
// 64-byte reports into messages, allocates channels, answers INIT, PING and
// CANCEL itself, and hands every other message to a Dispatch through a
// single-slot interchange. The Dispatch runs on the application loop and
// routes each message to the first App that declares its command.
//
// While a message is outstanding the transport loop asks the class for a
// KEEPALIVE every KeepaliveInterval through DidStartProcessing and
// SendKeepalive.
package ctaphid
