package service

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)

	require.Nil(t, f.users.SendVerificationCode("dave@example.com"))
	code := f.sink.lastCode("dave@example.com")
	require.NotEmpty(t, code)

	brief, serr := f.users.Register("dave", "dave@example.com", "secret123", "Dave", code)
	require.Nil(t, serr)
	assert.Equal(t, "dave", brief.Username)

	// 验证码一次性消费
	_, serr = f.users.Register("dave2", "dave@example.com", "secret123", "", code)
	require.NotNil(t, serr)

	result, serr := f.users.Login("dave", "secret123")
	require.Nil(t, serr)
	assert.Equal(t, brief.ID, result.User.ID)
	assert.NotEmpty(t, result.SessionToken)

	// 邮箱与数字 ID 同样可登录
	result, serr = f.users.Login("dave@example.com", "secret123")
	require.Nil(t, serr)
	assert.Equal(t, brief.ID, result.User.ID)

	_, serr = f.users.Login("dave", "wrong-password")
	require.NotNil(t, serr)
	assert.Equal(t, CodeAuthFailed, serr.Code)

	_, serr = f.users.Login("ghost", "secret123")
	require.NotNil(t, serr)
	assert.Equal(t, CodeAuthFailed, serr.Code, "unknown user and bad password are indistinguishable")
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)

	_, serr := f.users.Register("", "x@example.com", "secret123", "", "")
	require.NotNil(t, serr)
	assert.Equal(t, CodeInvalidParams, serr.Code)

	_, serr = f.users.Register("shortpw", "x@example.com", "123", "", "")
	require.NotNil(t, serr)
	assert.Equal(t, CodeInvalidParams, serr.Code)

	require.Nil(t, f.users.SendVerificationCode("taken@example.com"))
	code := f.sink.lastCode("taken@example.com")
	_, serr = f.users.Register("taken", "taken@example.com", "secret123", "", code)
	require.Nil(t, serr)

	require.Nil(t, f.users.SendVerificationCode("other@example.com"))
	code = f.sink.lastCode("other@example.com")
	_, serr = f.users.Register("taken", "other@example.com", "secret123", "", code)
	require.NotNil(t, serr, "duplicate username rejected")
}

func TestSendVerificationCode_Validation(t *testing.T) {
	f := newFixture(t)

	serr := f.users.SendVerificationCode("not-an-email")
	require.NotNil(t, serr)
	assert.Equal(t, CodeInvalidParams, serr.Code)
}

func TestFindUserByIdentifier(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "erin")

	byName, serr := f.users.FindUserByIdentifier("erin")
	require.Nil(t, serr)
	assert.Equal(t, u.ID, byName.ID)

	byEmail, serr := f.users.FindUserByIdentifier("erin@example.com")
	require.Nil(t, serr)
	assert.Equal(t, u.ID, byEmail.ID)

	byID, serr := f.users.FindUserByIdentifier(strconv.FormatInt(u.ID, 10))
	require.Nil(t, serr)
	assert.Equal(t, u.ID, byID.ID)

	_, serr = f.users.FindUserByIdentifier("unknown")
	require.NotNil(t, serr)
	assert.Equal(t, CodeUserNotFound, serr.Code)
}
