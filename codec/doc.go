// Package codec turns model parameters into fixed-capacity chunks and back.
//
// A parameter collection is an ordered list of tensors, each an arbitrarily
// nested numeric array. Encode flattens every tensor depth first, splits the
// flat values into chunks of at most one ciphertext's slot capacity, and
// records a ChunkLayout: the chunk count and original scalar count of every
// tensor. Decode inverts this for decrypted chunks, truncating slot padding.
//
//	enc, err := codec.Encode(tensors, scheme.SlotCapacity())
//	cts, err := crypto.EncryptChunks(scheme, pk, enc.Chunks)
//	...
//	tensors, err := codec.Decode(chunks, enc.Layout, scheme.SlotCapacity())
//
// Chunks never straddle tensors, so the layout and the slot capacity are
// enough to reassemble.
package codec
