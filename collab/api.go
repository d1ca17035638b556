package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type CollabApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string

	httpClient *http.Client
}

func NewCollabApi(apiUrl string) *CollabApi {
	return NewCollabApiWithContext(context.Background(), apiUrl)
}

func NewCollabApiWithContext(ctx context.Context, apiUrl string) *CollabApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CollabApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		httpClient: defaultClient(),
	}
}

// this gets attached to api calls that need it
func (self *CollabApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *CollabApi) ByJwt() string {
	return self.byJwt
}

func (self *CollabApi) Close() {
	self.cancel()
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	EmailOrUsername string `json:"emailOrUsername"`
	Password        string `json:"password"`
}

type AuthLoginResult struct {
	Token   string `json:"token,omitempty"`
	User    *User  `json:"user,omitempty"`
	Message string `json:"message,omitempty"`
}

func (self *CollabApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self,
		fmt.Sprintf("%s/api/auth/login", self.apiUrl),
		authLogin,
		&AuthLoginResult{},
		callback,
	)
}

func (self *CollabApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/api/auth/login", self.apiUrl),
		authLogin,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type AuthRegisterCallback apiCallback[*AuthRegisterResult]

type AuthRegisterArgs struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthRegisterResult struct {
	Token   string `json:"token,omitempty"`
	User    *User  `json:"user,omitempty"`
	Message string `json:"message,omitempty"`
}

func (self *CollabApi) AuthRegister(authRegister *AuthRegisterArgs, callback AuthRegisterCallback) {
	go post(
		self,
		fmt.Sprintf("%s/api/auth/register", self.apiUrl),
		authRegister,
		&AuthRegisterResult{},
		callback,
	)
}

func (self *CollabApi) AuthRegisterSync(authRegister *AuthRegisterArgs) (*AuthRegisterResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/api/auth/register", self.apiUrl),
		authRegister,
		&AuthRegisterResult{},
		NewNoopApiCallback[*AuthRegisterResult](),
	)
}

type AuthLogoutResult struct {
	Message string `json:"message,omitempty"`
}

func (self *CollabApi) AuthLogoutSync() (*AuthLogoutResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/api/auth/logout", self.apiUrl),
		map[string]any{},
		&AuthLogoutResult{},
		NewNoopApiCallback[*AuthLogoutResult](),
	)
}

type AuthVerifyResult struct {
	Valid bool  `json:"valid"`
	User  *User `json:"user,omitempty"`
}

func (self *CollabApi) AuthVerifySync() (*AuthVerifyResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/api/auth/verify", self.apiUrl),
		&AuthVerifyResult{},
		NewNoopApiCallback[*AuthVerifyResult](),
	)
}

type GetMeResult struct {
	User *User `json:"user,omitempty"`
}

// GetMeSync fetches the authoritative profile for the bearer token.
func (self *CollabApi) GetMeSync() (*GetMeResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/api/auth/users/me", self.apiUrl),
		&GetMeResult{},
		NewNoopApiCallback[*GetMeResult](),
	)
}

// availability probes used while a registration form is being filled in
type CheckAvailableResult struct {
	Available bool   `json:"available"`
	Message   string `json:"message,omitempty"`
}

func (self *CollabApi) CheckUsernameSync(username string) (*CheckAvailableResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/api/check-username/%s", self.apiUrl, username),
		&CheckAvailableResult{},
		NewNoopApiCallback[*CheckAvailableResult](),
	)
}

func (self *CollabApi) CheckEmailSync(email string) (*CheckAvailableResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/api/check-email/%s", self.apiUrl, email),
		&CheckAvailableResult{},
		NewNoopApiCallback[*CheckAvailableResult](),
	)
}

type DefaultCodespaceResult struct {
	DefaultCodespace string `json:"defaultCodespace,omitempty"`
	Username         string `json:"username,omitempty"`
}

func (self *CollabApi) DefaultCodespaceSync() (*DefaultCodespaceResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/api/auth/user/default-codespace", self.apiUrl),
		&DefaultCodespaceResult{},
		NewNoopApiCallback[*DefaultCodespaceResult](),
	)
}

type UserCodespacesResult struct {
	Status string       `json:"status,omitempty"`
	Data   []*Codespace `json:"data"`
}

func (self *CollabApi) UserCodespacesSync() (*UserCodespacesResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/api/codespace/user/codespaces", self.apiUrl),
		&UserCodespacesResult{},
		NewNoopApiCallback[*UserCodespacesResult](),
	)
}

type GetCodespaceCallback apiCallback[*GetCodespaceResult]

type GetCodespaceResult struct {
	Status string     `json:"status,omitempty"`
	Data   *Codespace `json:"data,omitempty"`
}

func (self *CollabApi) GetCodespace(slug string, callback GetCodespaceCallback) {
	go get(
		self,
		fmt.Sprintf("%s/api/codespace/%s", self.apiUrl, slug),
		&GetCodespaceResult{},
		callback,
	)
}

func (self *CollabApi) GetCodespaceSync(slug string) (*GetCodespaceResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/api/codespace/%s", self.apiUrl, slug),
		&GetCodespaceResult{},
		NewNoopApiCallback[*GetCodespaceResult](),
	)
}

type PutCodespaceCallback apiCallback[*PutCodespaceResult]

type PutCodespaceArgs struct {
	Content  string `json:"content"`
	Language string `json:"language"`
}

type PutCodespaceResult struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func (self *CollabApi) PutCodespace(slug string, putCodespace *PutCodespaceArgs, callback PutCodespaceCallback) {
	go put(
		self,
		fmt.Sprintf("%s/api/codespace/%s", self.apiUrl, slug),
		putCodespace,
		&PutCodespaceResult{},
		callback,
	)
}

func (self *CollabApi) PutCodespaceSync(slug string, putCodespace *PutCodespaceArgs) (*PutCodespaceResult, error) {
	return put(
		self,
		fmt.Sprintf("%s/api/codespace/%s", self.apiUrl, slug),
		putCodespace,
		&PutCodespaceResult{},
		NewNoopApiCallback[*PutCodespaceResult](),
	)
}

type CreateCodespaceCallback apiCallback[*CreateCodespaceResult]

type CreateCodespaceArgs struct {
	Slug       string     `json:"slug"`
	AccessType AccessType `json:"access_type,omitempty"`
}

type CreateCodespaceResult struct {
	Status string     `json:"status,omitempty"`
	Data   *Codespace `json:"data,omitempty"`
}

func (self *CollabApi) CreateCodespace(createCodespace *CreateCodespaceArgs, callback CreateCodespaceCallback) {
	go post(
		self,
		fmt.Sprintf("%s/api/codespace", self.apiUrl),
		createCodespace,
		&CreateCodespaceResult{},
		callback,
	)
}

func (self *CollabApi) CreateCodespaceSync(createCodespace *CreateCodespaceArgs) (*CreateCodespaceResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/api/codespace", self.apiUrl),
		createCodespace,
		&CreateCodespaceResult{},
		NewNoopApiCallback[*CreateCodespaceResult](),
	)
}

type GetCodespaceSettingsResult struct {
	Status string     `json:"status,omitempty"`
	Data   *Codespace `json:"data,omitempty"`
}

func (self *CollabApi) GetCodespaceSettingsSync(slug string) (*GetCodespaceSettingsResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/api/codespace/%s/settings", self.apiUrl, slug),
		&GetCodespaceSettingsResult{},
		NewNoopApiCallback[*GetCodespaceSettingsResult](),
	)
}

type PutCodespaceSettingsResult struct {
	Status  string     `json:"status,omitempty"`
	Message string     `json:"message,omitempty"`
	Data    *Codespace `json:"data,omitempty"`
}

func (self *CollabApi) PutCodespaceSettingsSync(slug string, settings *CodespaceSettings) (*PutCodespaceSettingsResult, error) {
	return put(
		self,
		fmt.Sprintf("%s/api/codespace/%s/settings", self.apiUrl, slug),
		settings,
		&PutCodespaceSettingsResult{},
		NewNoopApiCallback[*PutCodespaceSettingsResult](),
	)
}

type DeleteCodespaceResult struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func (self *CollabApi) DeleteCodespaceSync(slug string) (*DeleteCodespaceResult, error) {
	return del(
		self,
		fmt.Sprintf("%s/api/codespace/%s", self.apiUrl, slug),
		&DeleteCodespaceResult{},
		NewNoopApiCallback[*DeleteCodespaceResult](),
	)
}

type CheckSlugResult struct {
	Available bool   `json:"available"`
	Message   string `json:"message,omitempty"`
}

func (self *CollabApi) CheckSlugSync(slug string) (*CheckSlugResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/api/codespace/check-slug/%s", self.apiUrl, slug),
		&CheckSlugResult{},
		NewNoopApiCallback[*CheckSlugResult](),
	)
}

type VerifyPasskeyCallback apiCallback[*VerifyPasskeyResult]

type VerifyPasskeyArgs struct {
	Passkey string `json:"passkey"`
}

type VerifyPasskeyResult struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func (self *CollabApi) VerifyPasskey(slug string, verifyPasskey *VerifyPasskeyArgs, callback VerifyPasskeyCallback) {
	go post(
		self,
		fmt.Sprintf("%s/api/codespace/%s/verify-passkey", self.apiUrl, slug),
		verifyPasskey,
		&VerifyPasskeyResult{},
		callback,
	)
}

func (self *CollabApi) VerifyPasskeySync(slug string, verifyPasskey *VerifyPasskeyArgs) (*VerifyPasskeyResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/api/codespace/%s/verify-passkey", self.apiUrl, slug),
		verifyPasskey,
		&VerifyPasskeyResult{},
		NewNoopApiCallback[*VerifyPasskeyResult](),
	)
}

type SendOtpArgs struct {
	Email string `json:"email"`
}

type SendOtpResult struct {
	Message string `json:"message,omitempty"`
}

func (self *CollabApi) SendOtpSync(sendOtp *SendOtpArgs) (*SendOtpResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/api/send-otp", self.apiUrl),
		sendOtp,
		&SendOtpResult{},
		NewNoopApiCallback[*SendOtpResult](),
	)
}

type VerifyOtpArgs struct {
	Email string `json:"email"`
	Otp   string `json:"otp"`
}

type VerifyOtpResult struct {
	Message string `json:"message,omitempty"`
}

func (self *CollabApi) VerifyOtpSync(verifyOtp *VerifyOtpArgs) (*VerifyOtpResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/api/verify-otp", self.apiUrl),
		verifyOtp,
		&VerifyOtpResult{},
		NewNoopApiCallback[*VerifyOtpResult](),
	)
}

type ResetPasswordArgs struct {
	Email       string `json:"email"`
	NewPassword string `json:"newPassword"`
}

type ResetPasswordResult struct {
	Message string `json:"message,omitempty"`
}

func (self *CollabApi) ResetPasswordSync(resetPassword *ResetPasswordArgs) (*ResetPasswordResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/api/reset-password", self.apiUrl),
		resetPassword,
		&ResetPasswordResult{},
		NewNoopApiCallback[*ResetPasswordResult](),
	)
}

type ChangePasswordArgs struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type ChangePasswordResult struct {
	Message string `json:"message,omitempty"`
}

// ChangePasswordSync rotates the password for the authenticated user.
// a wrong current password comes back as a 401.
func (self *CollabApi) ChangePasswordSync(changePassword *ChangePasswordArgs) (*ChangePasswordResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/api/change-password", self.apiUrl),
		changePassword,
		&ChangePasswordResult{},
		NewNoopApiCallback[*ChangePasswordResult](),
	)
}

func post[R any](api *CollabApi, url string, args any, result R, callback apiCallback[R]) (R, error) {
	return request(api.ctx, api.httpClient, "POST", url, args, api.byJwt, result, callback)
}

func put[R any](api *CollabApi, url string, args any, result R, callback apiCallback[R]) (R, error) {
	return request(api.ctx, api.httpClient, "PUT", url, args, api.byJwt, result, callback)
}

func del[R any](api *CollabApi, url string, result R, callback apiCallback[R]) (R, error) {
	return request(api.ctx, api.httpClient, "DELETE", url, nil, api.byJwt, result, callback)
}

func get[R any](api *CollabApi, url string, result R, callback apiCallback[R]) (R, error) {
	return request(api.ctx, api.httpClient, "GET", url, nil, api.byJwt, result, callback)
}

// the error body shape the backend uses on non-2xx responses
type errorBody struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Owner   string `json:"owner,omitempty"`
}

func request[R any](
	ctx context.Context,
	client *http.Client,
	method string,
	url string,
	args any,
	byJwt string,
	result R,
	callback apiCallback[R],
) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		httpError := &HttpError{
			StatusCode: r.StatusCode,
		}
		var body errorBody
		if jsonErr := json.Unmarshal(responseBodyBytes, &body); jsonErr == nil {
			httpError.Owner = body.Owner
			if body.Message != "" {
				httpError.Message = body.Message
			} else {
				httpError.Message = body.Error
			}
		}
		if httpError.Message == "" {
			httpError.Message = strings.TrimSpace(string(responseBodyBytes))
		}
		callback.Result(result, httpError)
		return result, httpError
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if 0 < len(responseBodyBytes) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}
