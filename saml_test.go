package atheneum

import (
	"bytes"
	"compress/flate"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"io/ioutil"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type samlTestKeys struct {
	key     *rsa.PrivateKey
	keyPEM  string
	certPEM string
}

func newSamlTestKeys(t *testing.T, commonName string) *samlTestKeys {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Key generation failed: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Certificate generation failed: %v", err)
	}
	return &samlTestKeys{
		key:     key,
		keyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
		certPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
}

type samlFixture struct {
	central  *Central
	provider *samlProvider
	mux      *http.ServeMux
	idp      *samlTestKeys
	sp       *samlTestKeys
}

func newSamlFixture(t *testing.T, mutate func(*ConfigSAML)) *samlFixture {
	central := setup(t)
	idp := newSamlTestKeys(t, "idp.example.edu")
	sp := newSamlTestKeys(t, "gateway.example.edu")
	config := ConfigSAML{
		IdpSsoUrl:  "https://idp.example.edu/sso",
		IdpCert:    idp.certPEM,
		SpEntityId: "https://gateway.example.edu/idps/utoronto/metadata",
		SpKey:      sp.keyPEM,
		SpCert:     sp.certPEM,
	}
	if mutate != nil {
		mutate(&config)
	}
	provider, err := newSamlProvider(central, "utoronto", &config)
	if err != nil {
		t.Fatalf("newSamlProvider failed: %v", err)
	}
	if err := provider.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	mux := http.NewServeMux()
	provider.Mount(&testHttpConfig, mux)
	return &samlFixture{central: central, provider: provider, mux: mux, idp: idp, sp: sp}
}

func (f *samlFixture) do(r *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, r)
	return rr
}

// signedInfoXML is the exact byte range the gateway verifies: signing it with
// the IdP key makes the whole assertion verify.
const signedInfoXML = `<ds:SignedInfo><ds:SignatureMethod Algorithm="http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"></ds:SignatureMethod><ds:Reference><ds:DigestMethod Algorithm="http://www.w3.org/2001/04/xmlenc#sha256"></ds:DigestMethod><ds:DigestValue>unused</ds:DigestValue></ds:Reference></ds:SignedInfo>`

func (f *samlFixture) buildResponse(t *testing.T, inResponseTo, nameID string, notBefore, notOnOrAfter time.Time) string {
	digest := sha256.Sum256([]byte(signedInfoXML))
	signature, err := rsa.SignPKCS1v15(rand.Reader, f.idp.key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("Signing failed: %v", err)
	}
	responseTo := ""
	if inResponseTo != "" {
		responseTo = fmt.Sprintf(` InResponseTo="%v"`, inResponseTo)
	}
	document := fmt.Sprintf(`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"%v>
<samlp:Status><samlp:StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Success"></samlp:StatusCode></samlp:Status>
<saml:Assertion>
<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">%v<ds:SignatureValue>%v</ds:SignatureValue></ds:Signature>
<saml:Subject><saml:NameID>%v</saml:NameID></saml:Subject>
<saml:Conditions NotBefore="%v" NotOnOrAfter="%v"></saml:Conditions>
<saml:AttributeStatement>
<saml:Attribute Name="displayName"><saml:AttributeValue>Dave Example</saml:AttributeValue></saml:Attribute>
<saml:Attribute Name="mail"><saml:AttributeValue>dave@example.edu</saml:AttributeValue></saml:Attribute>
</saml:AttributeStatement>
</saml:Assertion>
</samlp:Response>`,
		responseTo,
		signedInfoXML,
		base64.StdEncoding.EncodeToString(signature),
		nameID,
		notBefore.UTC().Format(time.RFC3339),
		notOnOrAfter.UTC().Format(time.RFC3339))
	return document
}

func (f *samlFixture) postResponse(document string) *httptest.ResponseRecorder {
	form := url.Values{"SAMLResponse": {base64.StdEncoding.EncodeToString([]byte(document))}}
	r := httptest.NewRequest("POST", "/idps/utoronto/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(r)
}

func TestSamlAuthnRequestRedirect(t *testing.T) {
	f := newSamlFixture(t, nil)
	defer Teardown(f.central)

	rr := f.do(httptest.NewRequest("GET", "/idps/utoronto/login", nil))
	assert.Equal(t, http.StatusFound, rr.Code)
	location, err := url.Parse(rr.Header().Get("Location"))
	assert.NoError(t, err)
	assert.Equal(t, "idp.example.edu", location.Host)
	assert.Equal(t, "/sso", location.Path)

	// Redirect binding: base64 then deflate undoes the encoding
	encoded := location.Query().Get("SAMLRequest")
	deflated, err := base64.StdEncoding.DecodeString(encoded)
	assert.NoError(t, err)
	inflated, err := ioutil.ReadAll(flate.NewReader(bytes.NewReader(deflated)))
	assert.NoError(t, err)

	var request samlAuthnRequest
	assert.NoError(t, xml.Unmarshal(inflated, &request))
	assert.Equal(t, "2.0", request.Version)
	assert.Equal(t, "https://idp.example.edu/sso", request.Destination)
	assert.Equal(t, "https://gateway.example.edu/idps/utoronto/metadata", request.Issuer.Value)
	assert.Equal(t, "http://example.com/idps/utoronto/login", request.AssertionConsumerServiceURL)

	// The request ID is tracked, once
	assert.True(t, f.provider.consumeRequestID(request.ID))
	assert.False(t, f.provider.consumeRequestID(request.ID))
}

func TestSamlAuthnRequestSigning(t *testing.T) {
	f := newSamlFixture(t, func(c *ConfigSAML) { c.SignRequests = true })
	defer Teardown(f.central)

	rr := f.do(httptest.NewRequest("GET", "/idps/utoronto/login", nil))
	assert.Equal(t, http.StatusFound, rr.Code)
	location := rr.Header().Get("Location")

	// The signature covers the query string up to &Signature=
	sigStart := strings.Index(location, "&Signature=")
	if sigStart < 0 {
		t.Fatalf("No Signature parameter in %v", location)
	}
	queryStart := strings.Index(location, "SAMLRequest=")
	signedPart := location[queryStart:sigStart]
	signature, err := url.QueryUnescape(location[sigStart+len("&Signature="):])
	assert.NoError(t, err)
	rawSignature, err := base64.StdEncoding.DecodeString(signature)
	assert.NoError(t, err)

	digest := sha256.Sum256([]byte(signedPart))
	assert.NoError(t, rsa.VerifyPKCS1v15(&f.sp.key.PublicKey, crypto.SHA256, digest[:], rawSignature))
}

func TestSamlConsumeAssertion(t *testing.T) {
	f := newSamlFixture(t, nil)
	defer Teardown(f.central)

	document := f.buildResponse(t, "", "dave", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	rr := f.postResponse(document)
	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/login_success", rr.Header().Get("Location"))

	// The principal was created implicitly, carrying the assertion attributes
	user, err := f.central.userStore.GetUserByIdpUsername("utoronto", "dave")
	assert.NoError(t, err)
	assert.Equal(t, "Dave Example", user.Attributes["displayName"])
	assert.Equal(t, "", user.PasswordHash)

	// and the session behind the cookie is now authenticated
	cookies := rr.Result().Cookies()
	if assert.Len(t, cookies, 1) {
		_, sessionUser, eSession := f.central.GetSessionUser(cookies[0].Value)
		assert.NoError(t, eSession)
		if assert.NotNil(t, sessionUser) {
			assert.Equal(t, user.UserId, sessionUser.UserId)
		}
	}

	// A second assertion for the same subject resolves the same principal
	rr = f.postResponse(f.buildResponse(t, "", "dave", time.Now().Add(-time.Minute), time.Now().Add(time.Minute)))
	assert.Equal(t, http.StatusFound, rr.Code)
	users, _ := f.central.GetUsers()
	assert.Len(t, users, 4)
}

func TestSamlUsernameAttribute(t *testing.T) {
	f := newSamlFixture(t, func(c *ConfigSAML) { c.UsernameAttr = "mail" })
	defer Teardown(f.central)

	rr := f.postResponse(f.buildResponse(t, "", "opaque-name-id", time.Now().Add(-time.Minute), time.Now().Add(time.Minute)))
	assert.Equal(t, http.StatusFound, rr.Code)

	// The configured attribute wins over the NameID
	_, err := f.central.userStore.GetUserByIdpUsername("utoronto", "dave@example.edu")
	assert.NoError(t, err)
	_, err = f.central.userStore.GetUserByIdpUsername("utoronto", "opaque-name-id")
	assert.True(t, IsError(err, ErrNotFound))
}

func TestSamlRequestIDMatching(t *testing.T) {
	f := newSamlFixture(t, nil)
	defer Teardown(f.central)

	// An assertion answering an unknown request is refused
	rr := f.postResponse(f.buildResponse(t, "_unknown", "dave", time.Now().Add(-time.Minute), time.Now().Add(time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	f.provider.rememberRequest("_inflight")
	rr = f.postResponse(f.buildResponse(t, "_inflight", "dave", time.Now().Add(-time.Minute), time.Now().Add(time.Minute)))
	assert.Equal(t, http.StatusFound, rr.Code)

	// Request IDs are single-use
	rr = f.postResponse(f.buildResponse(t, "_inflight", "dave", time.Now().Add(-time.Minute), time.Now().Add(time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSamlSignatureRejection(t *testing.T) {
	f := newSamlFixture(t, nil)
	defer Teardown(f.central)

	// A response signed by the wrong key is refused
	intruder := newSamlTestKeys(t, "intruder.example.edu")
	forged := &samlFixture{central: f.central, provider: f.provider, mux: f.mux, idp: intruder, sp: f.sp}
	rr := forged.postResponse(forged.buildResponse(t, "", "mallory", time.Now().Add(-time.Minute), time.Now().Add(time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Tampering with the signed bytes is refused
	document := f.buildResponse(t, "", "dave", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	tampered := strings.Replace(document, "rsa-sha256", "rsa-sha256 ", 1)
	rr = f.postResponse(tampered)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	if _, err := f.central.userStore.GetUserByIdpUsername("utoronto", "mallory"); !IsError(err, ErrNotFound) {
		t.Errorf("A refused assertion must not create a principal, got %v", err)
	}
}

func TestSamlValidityWindow(t *testing.T) {
	f := newSamlFixture(t, nil)
	defer Teardown(f.central)

	// Expired assertion
	rr := f.postResponse(f.buildResponse(t, "", "dave", time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Not yet valid
	rr = f.postResponse(f.buildResponse(t, "", "dave", time.Now().Add(time.Hour), time.Now().Add(2*time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// The default skew tolerates a slightly fast IdP clock
	window := samlConditions{
		NotBefore:    time.Now().Add(100 * time.Millisecond).UTC().Format(time.RFC3339),
		NotOnOrAfter: time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
	}
	assert.NoError(t, f.provider.checkValidityWindow(&window))

	window.NotBefore = time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	assert.True(t, IsError(f.provider.checkValidityWindow(&window), ErrAuthentication))
}

func TestSamlEncryptedAssertion(t *testing.T) {
	f := newSamlFixture(t, nil)
	defer Teardown(f.central)

	plaintext := []byte(`<saml:Assertion xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"><saml:Subject><saml:NameID>dave</saml:NameID></saml:Subject></saml:Assertion>`)

	// PKCS7 pad and AES-256-CBC encrypt under a fresh session key
	padding := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(padding)}, padding)...)
	sessionKey := make([]byte, 32)
	iv := make([]byte, aes.BlockSize)
	rand.Read(sessionKey)
	rand.Read(iv)
	block, _ := aes.NewCipher(sessionKey)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	wrappedKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &f.sp.key.PublicKey, sessionKey, nil)
	if err != nil {
		t.Fatalf("Key wrap failed: %v", err)
	}

	encrypted := &samlEncryptedAssertion{
		EncryptedData: samlEncryptedData{
			EncryptionMethod: samlAlgorithm{Algorithm: "http://www.w3.org/2001/04/xmlenc#aes256-cbc"},
			EncryptedKey: samlEncryptedKey{
				EncryptionMethod: samlAlgorithm{Algorithm: "http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p"},
				CipherValue:      base64.StdEncoding.EncodeToString(wrappedKey),
			},
			CipherValue: base64.StdEncoding.EncodeToString(append(append([]byte{}, iv...), ciphertext...)),
		},
	}
	assertion, err := f.provider.decryptAssertion(encrypted)
	assert.NoError(t, err)
	assert.Equal(t, "dave", assertion.Subject.NameID)
}

func TestSamlMetadata(t *testing.T) {
	f := newSamlFixture(t, nil)
	defer Teardown(f.central)

	rr := f.do(httptest.NewRequest("GET", "/idps/utoronto/metadata", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/xml", rr.Header().Get("Content-Type"))

	var descriptor samlEntityDescriptor
	assert.NoError(t, xml.Unmarshal(rr.Body.Bytes(), &descriptor))
	assert.Equal(t, "https://gateway.example.edu/idps/utoronto/metadata", descriptor.EntityID)
	assert.Len(t, descriptor.SPSSODescriptor.KeyDescriptors, 2)
	if assert.Len(t, descriptor.SPSSODescriptor.AssertionConsumerServices, 1) {
		acs := descriptor.SPSSODescriptor.AssertionConsumerServices[0]
		assert.Equal(t, "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST", acs.Binding)
		assert.Equal(t, "http://example.com/idps/utoronto/login", acs.Location)
	}
}

func TestSamlExtractElement(t *testing.T) {
	document := []byte(`<a><ds:SignedInfo><x></x></ds:SignedInfo><b></b></a>`)
	extracted, err := extractElement(document, "SignedInfo")
	assert.NoError(t, err)
	assert.Equal(t, `<ds:SignedInfo><x></x></ds:SignedInfo>`, string(extracted))

	if _, err := extractElement([]byte("<a></a>"), "SignedInfo"); err == nil {
		t.Errorf("Missing element must be an error")
	}
}
