// Package serverentry encodes servers into the hex entries clients embed and
// receive from discovery. An entry is the hex encoding of
//
//	<ip> <web_port> <web_secret> <web_certificate> <extended_json>
//
// where the extended JSON repeats the first four fields and adds SSH,
// obfuscated SSH, meek and capability details.
package serverentry
