package kind

import "testing"

func TestClasses(t *testing.T) {
	if !IsEphemeral(WalletRequest) {
		t.Error("wallet requests are ephemeral")
	}
	if IsEphemeral(TextNote) || IsEphemeral(UserRecord) {
		t.Error("misclassified ephemeral")
	}
	if !IsReplaceable(Metadata) || !IsReplaceable(Follows) ||
		!IsReplaceable(RelayList) {
		t.Error("replaceable kinds not recognised")
	}
	if !IsParameterizedReplaceable(UserRecord) {
		t.Error("user records are parameterized replaceable")
	}
	if Name(ZapRequest) != "ZapRequest" || Name(42) != "Kind(42)" {
		t.Error("names")
	}
}
