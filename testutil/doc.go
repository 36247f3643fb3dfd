/*
Package testutil provides test fixtures for the fedrelay packages.

Fixtures are built with functional options so tests only spell out the fields
they care about:

	cfg := testutil.NewTestConfig(
	    testutil.WithParties("c1", "c2"),
	    testutil.WithRoundTimeout(time.Second),
	)

	sub := testutil.GenerateTestSubmission(
	    testutil.WithRound(3),
	    testutil.WithClient("c2"),
	    testutil.WithLayout(protocol.ChunkLayout{ChunkCounts: []int{1}, OrigSizes: []int{4}}),
	)

Blobs in generated records are opaque placeholders. They exercise storage and
transport, never decryption. Tests that need real ciphertexts encode and
encrypt through the crypto package themselves.

Tensor helpers produce deterministic inputs and the element-wise mean that
aggregation of two such inputs must yield:

	a := testutil.GenerateTestTensors(1, 3, 5)
	b := testutil.GenerateTestTensors(2, 3, 5)
	want := testutil.ExpectedAverage(a, b)
*/
package testutil
