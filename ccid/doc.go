// Package ccid implements a single-slot USB smart card reader (CCID) as a
// usb.Class, with the card itself provided by applications.
//
// The class frames bulk messages, keeps the slot power state and answers
// the reader commands itself. XfrBlock payloads are handed as APDUs to a
// Dispatch through a single-slot interchange. The Dispatch owns the card
// side of ISO 7816-4: SELECT by AID, command chaining and response
// chaining with GET RESPONSE. While an APDU is outstanding the transport
// loop asks the class for a time extension every TimeExtensionInterval.
package ccid
