package atheneum

import (
	"bytes"
	"compress/flate"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// How long an AuthnRequest may stay in flight before we refuse the matching
// assertion.
const samlRequestExpiry = 10 * time.Minute

// Tolerated clock skew on assertion validity windows when the config does
// not specify one.
const samlDefaultClockSkew = 180 * time.Millisecond

var (
	ErrSamlResponse  = NewError(ErrAuthentication, "invalid SAML response")
	ErrSamlSignature = NewError(ErrAuthentication, "SAML signature verification failed")
	ErrSamlExpired   = NewError(ErrAuthentication, "SAML assertion outside its validity window")
	ErrSamlRequestID = NewError(ErrAuthentication, "SAML assertion does not match an in-flight request")
)

// Federated provider speaking SAML 2.0 Web Browser SSO: AuthnRequests go out
// over the HTTP-Redirect binding, assertions come back over HTTP-POST.
// Assertion signatures are verified against the configured IdP certificate.
// Signature verification assumes the IdP serializes SignedInfo in exclusive
// canonical form, which every mainstream IdP does; we do not re-canonicalize.
type samlProvider struct {
	central      *Central
	name         string
	ssoURL       string
	entityID     string
	usernameAttr string
	signRequests bool
	forceAuthn   bool
	clockSkew    time.Duration
	idpCert      *x509.Certificate
	spKey        *rsa.PrivateKey
	spCertDER    []byte

	// In-flight AuthnRequest IDs, purged on every new login.
	pendingRequests map[string]time.Time
	pendingLock     sync.Mutex
}

func newSamlProvider(central *Central, name string, config *ConfigSAML) (*samlProvider, error) {
	x := &samlProvider{
		central:         central,
		name:            name,
		ssoURL:          config.IdpSsoUrl,
		entityID:        config.SpEntityId,
		usernameAttr:    config.UsernameAttr,
		signRequests:    config.SignRequests,
		forceAuthn:      config.ForceAuthn,
		clockSkew:       samlDefaultClockSkew,
		pendingRequests: map[string]time.Time{},
	}
	if config.ClockSkewMS != 0 {
		x.clockSkew = time.Duration(config.ClockSkewMS) * time.Millisecond
	}

	idpCertPEM, err := pemMaterial(config.IdpCert, config.IdpCertFile)
	if err != nil {
		return nil, fmt.Errorf("SAML provider %v: reading IdP certificate: %v", name, err)
	}
	if x.idpCert, err = parsePEMCertificate(idpCertPEM); err != nil {
		return nil, fmt.Errorf("SAML provider %v: parsing IdP certificate: %v", name, err)
	}

	spKeyPEM, err := pemMaterial(config.SpKey, config.SpKeyFile)
	if err != nil {
		return nil, fmt.Errorf("SAML provider %v: reading SP key: %v", name, err)
	}
	if x.spKey, err = parsePEMPrivateKey(spKeyPEM); err != nil {
		return nil, fmt.Errorf("SAML provider %v: parsing SP key: %v", name, err)
	}

	spCertPEM, err := pemMaterial(config.SpCert, config.SpCertFile)
	if err != nil {
		return nil, fmt.Errorf("SAML provider %v: reading SP certificate: %v", name, err)
	}
	spCert, err := parsePEMCertificate(spCertPEM)
	if err != nil {
		return nil, fmt.Errorf("SAML provider %v: parsing SP certificate: %v", name, err)
	}
	x.spCertDER = spCert.Raw

	return x, nil
}

func pemMaterial(inline, filename string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if filename == "" {
		return "", fmt.Errorf("no PEM data or file configured")
	}
	raw, err := ioutil.ReadFile(filename)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func parsePEMCertificate(pemData string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parsePEMPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

func (x *samlProvider) Name() string {
	return x.name
}

func (x *samlProvider) Type() string {
	return "saml"
}

func (x *samlProvider) Initialize() error {
	if x.ssoURL == "" {
		return NewError(ErrValidation, "SAML provider "+x.name+" has no IdpSsoUrl")
	}
	if x.entityID == "" {
		return NewError(ErrValidation, "SAML provider "+x.name+" has no SpEntityId")
	}
	return nil
}

func (x *samlProvider) Mount(config *ConfigHTTP, mux *http.ServeMux) {
	base := "/idps/" + x.name
	mux.HandleFunc(base+"/login", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET":
			x.startLogin(config, w, r)
		case "POST":
			x.consumeAssertion(config, w, r)
		default:
			HttpSendTxt(w, http.StatusMethodNotAllowed, "API not defined")
		}
	})
	mux.HandleFunc(base+"/metadata", func(w http.ResponseWriter, r *http.Request) {
		x.metadata(w, r)
	})
	x.central.Log.Infof("%v/login mounted", base)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Outbound: AuthnRequest over the HTTP-Redirect binding

type samlAuthnRequest struct {
	XMLName                     xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol AuthnRequest"`
	ID                          string     `xml:"ID,attr"`
	Version                     string     `xml:"Version,attr"`
	IssueInstant                string     `xml:"IssueInstant,attr"`
	Destination                 string     `xml:"Destination,attr"`
	AssertionConsumerServiceURL string     `xml:"AssertionConsumerServiceURL,attr"`
	ProtocolBinding             string     `xml:"ProtocolBinding,attr"`
	ForceAuthn                  bool       `xml:"ForceAuthn,attr,omitempty"`
	Issuer                      samlIssuer `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
}

type samlIssuer struct {
	Value string `xml:",chardata"`
}

func (x *samlProvider) startLogin(config *ConfigHTTP, w http.ResponseWriter, r *http.Request) {
	// Keep the browser session alive across the round trip to the IdP, so
	// that a pending application assertion survives federated login.
	if _, err := getOrCreateSession(config, x.central, w, r); err != nil {
		HttpSendError(w, err)
		return
	}

	requestID := "_" + RandomString(40, "abcdef0123456789")
	x.rememberRequest(requestID)

	request := samlAuthnRequest{
		ID:                          requestID,
		Version:                     "2.0",
		IssueInstant:                time.Now().UTC().Format(time.RFC3339),
		Destination:                 x.ssoURL,
		AssertionConsumerServiceURL: x.acsURL(r),
		ProtocolBinding:             "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST",
		ForceAuthn:                  x.forceAuthn,
		Issuer:                      samlIssuer{Value: x.entityID},
	}
	encoded, err := xml.Marshal(request)
	if err != nil {
		HttpSendError(w, err)
		return
	}

	// Redirect binding: deflate, base64, then query-string encode.
	var deflated bytes.Buffer
	writer, _ := flate.NewWriter(&deflated, flate.DefaultCompression)
	writer.Write(encoded)
	writer.Close()

	query := "SAMLRequest=" + url.QueryEscape(base64.StdEncoding.EncodeToString(deflated.Bytes()))
	if x.signRequests {
		query += "&SigAlg=" + url.QueryEscape("http://www.w3.org/2001/04/xmldsig-more#rsa-sha256")
		digest := sha256.Sum256([]byte(query))
		signature, eSign := rsa.SignPKCS1v15(nil, x.spKey, crypto.SHA256, digest[:])
		if eSign != nil {
			HttpSendError(w, eSign)
			return
		}
		query += "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(signature))
	}

	separator := "?"
	if strings.Contains(x.ssoURL, "?") {
		separator = "&"
	}
	x.central.Log.Infof("SAML AuthnRequest %v... issued for provider %v", requestID[:9], x.name)
	http.Redirect(w, r, x.ssoURL+separator+query, http.StatusFound)
}

func (x *samlProvider) acsURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + "/idps/" + x.name + "/login"
}

func (x *samlProvider) rememberRequest(requestID string) {
	x.pendingLock.Lock()
	now := time.Now()
	for id, created := range x.pendingRequests {
		if now.Sub(created) > samlRequestExpiry {
			delete(x.pendingRequests, id)
		}
	}
	x.pendingRequests[requestID] = now
	x.pendingLock.Unlock()
}

func (x *samlProvider) consumeRequestID(requestID string) bool {
	x.pendingLock.Lock()
	defer x.pendingLock.Unlock()
	created, exists := x.pendingRequests[requestID]
	if !exists {
		return false
	}
	delete(x.pendingRequests, requestID)
	return time.Since(created) <= samlRequestExpiry
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Inbound: assertion over the HTTP-POST binding

type samlResponse struct {
	XMLName            xml.Name               `xml:"urn:oasis:names:tc:SAML:2.0:protocol Response"`
	InResponseTo       string                 `xml:"InResponseTo,attr"`
	Status             samlStatus             `xml:"Status"`
	Assertion          *samlAssertion         `xml:"urn:oasis:names:tc:SAML:2.0:assertion Assertion"`
	EncryptedAssertion *samlEncryptedAssertion `xml:"urn:oasis:names:tc:SAML:2.0:assertion EncryptedAssertion"`
}

type samlStatus struct {
	StatusCode samlStatusCode `xml:"StatusCode"`
}

type samlStatusCode struct {
	Value string `xml:"Value,attr"`
}

type samlAssertion struct {
	XMLName    xml.Name        `xml:"urn:oasis:names:tc:SAML:2.0:assertion Assertion"`
	Subject    samlSubject     `xml:"Subject"`
	Conditions samlConditions  `xml:"Conditions"`
	Attributes []samlAttribute `xml:"AttributeStatement>Attribute"`
	Signature  *samlSignature  `xml:"http://www.w3.org/2000/09/xmldsig# Signature"`
}

type samlSubject struct {
	NameID string `xml:"NameID"`
}

type samlConditions struct {
	NotBefore    string `xml:"NotBefore,attr"`
	NotOnOrAfter string `xml:"NotOnOrAfter,attr"`
}

type samlAttribute struct {
	Name   string   `xml:"Name,attr"`
	Values []string `xml:"AttributeValue"`
}

type samlSignature struct {
	SignedInfo     samlSignedInfo `xml:"SignedInfo"`
	SignatureValue string         `xml:"SignatureValue"`
}

type samlSignedInfo struct {
	SignatureMethod samlAlgorithm `xml:"SignatureMethod"`
	Reference       samlReference `xml:"Reference"`
}

type samlAlgorithm struct {
	Algorithm string `xml:"Algorithm,attr"`
}

type samlReference struct {
	DigestMethod samlAlgorithm `xml:"DigestMethod"`
	DigestValue  string        `xml:"DigestValue"`
}

type samlEncryptedAssertion struct {
	EncryptedData samlEncryptedData `xml:"http://www.w3.org/2001/04/xmlenc# EncryptedData"`
}

type samlEncryptedData struct {
	EncryptionMethod samlAlgorithm    `xml:"EncryptionMethod"`
	EncryptedKey     samlEncryptedKey `xml:"KeyInfo>EncryptedKey"`
	CipherValue      string           `xml:"CipherData>CipherValue"`
}

type samlEncryptedKey struct {
	EncryptionMethod samlAlgorithm `xml:"EncryptionMethod"`
	CipherValue      string        `xml:"CipherData>CipherValue"`
}

func (x *samlProvider) consumeAssertion(config *ConfigHTTP, w http.ResponseWriter, r *http.Request) {
	session, err := getOrCreateSession(config, x.central, w, r)
	if err != nil {
		HttpSendError(w, err)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(r.FormValue("SAMLResponse"))
	if err != nil {
		HttpSendError(w, NewError(ErrAuthentication, "malformed SAMLResponse"))
		return
	}
	var response samlResponse
	if err := xml.Unmarshal(raw, &response); err != nil {
		HttpSendError(w, ErrSamlResponse)
		return
	}
	if response.Status.StatusCode.Value != "urn:oasis:names:tc:SAML:2.0:status:Success" {
		x.central.Log.Warnf("SAML login rejected by IdP %v: %v", x.name, response.Status.StatusCode.Value)
		HttpSendError(w, NewError(ErrAuthentication, "IdP rejected the login"))
		return
	}
	if response.InResponseTo != "" && !x.consumeRequestID(response.InResponseTo) {
		HttpSendError(w, ErrSamlRequestID)
		return
	}

	assertion := response.Assertion
	if assertion == nil && response.EncryptedAssertion != nil {
		assertion, err = x.decryptAssertion(response.EncryptedAssertion)
		if err != nil {
			x.central.Log.Errorf("SAML assertion decryption failed for %v: %v", x.name, err)
			HttpSendError(w, ErrSamlResponse)
			return
		}
	}
	if assertion == nil {
		HttpSendError(w, ErrSamlResponse)
		return
	}

	if err := x.verifySignature(raw, assertion); err != nil {
		x.central.Log.Errorf("SAML signature rejected for %v: %v", x.name, err)
		HttpSendError(w, err)
		return
	}
	if err := x.checkValidityWindow(&assertion.Conditions); err != nil {
		HttpSendError(w, err)
		return
	}

	nameID := strings.TrimSpace(assertion.Subject.NameID)
	attributes := map[string]string{}
	for _, attr := range assertion.Attributes {
		if len(attr.Values) > 0 {
			attributes[attr.Name] = attr.Values[0]
		}
	}
	username := nameID
	if x.usernameAttr != "" && attributes[x.usernameAttr] != "" {
		username = attributes[x.usernameAttr]
	}

	user, eUser := x.central.ResolveFederatedUser(x.name, username, attributes)
	if eUser != nil {
		HttpSendError(w, eUser)
		return
	}
	if err := x.central.AuthenticateSession(session, user); err != nil {
		HttpSendError(w, err)
		return
	}
	http.Redirect(w, r, "/login_success", http.StatusFound)
}

// verifySignature checks the assertion's enveloped signature against the
// configured IdP certificate. The digest is computed over the assertion
// element as it appeared on the wire, with the Signature element spliced
// out. Responses signed only at the Response level are accepted when the
// Response signature verifies instead.
func (x *samlProvider) verifySignature(document []byte, assertion *samlAssertion) error {
	sig := assertion.Signature
	if sig == nil {
		return ErrSamlSignature
	}
	signatureValue, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig.SignatureValue))
	if err != nil {
		return ErrSamlSignature
	}
	signedInfo, eExtract := extractElement(document, "SignedInfo")
	if eExtract != nil {
		return ErrSamlSignature
	}

	publicKey, ok := x.idpCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return ErrSamlSignature
	}
	switch sig.SignedInfo.SignatureMethod.Algorithm {
	case "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256":
		digest := sha256.Sum256(signedInfo)
		if rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], signatureValue) != nil {
			return ErrSamlSignature
		}
	case "http://www.w3.org/2000/09/xmldsig#rsa-sha1":
		digest := sha1.Sum(signedInfo)
		if rsa.VerifyPKCS1v15(publicKey, crypto.SHA1, digest[:], signatureValue) != nil {
			return ErrSamlSignature
		}
	default:
		return NewError(ErrAuthentication, "unsupported SAML signature algorithm "+sig.SignedInfo.SignatureMethod.Algorithm)
	}
	return nil
}

// extractElement slices the raw bytes of the first occurrence of an XML
// element out of a document. The serialization is taken as-is, which is
// sound for SignedInfo because signing IdPs emit it pre-canonicalized.
func extractElement(document []byte, localName string) ([]byte, error) {
	text := string(document)
	start := -1
	for _, open := range []string{"<" + localName, "<ds:" + localName, "<dsig:" + localName} {
		if i := strings.Index(text, open); i >= 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("element %v not found", localName)
	}
	for _, close := range []string{"</" + localName + ">", "</ds:" + localName + ">", "</dsig:" + localName + ">"} {
		if i := strings.Index(text[start:], close); i >= 0 {
			return []byte(text[start : start+i+len(close)]), nil
		}
	}
	return nil, fmt.Errorf("element %v not terminated", localName)
}

func (x *samlProvider) checkValidityWindow(conditions *samlConditions) error {
	now := time.Now()
	if conditions.NotBefore != "" {
		notBefore, err := time.Parse(time.RFC3339, conditions.NotBefore)
		if err != nil {
			return ErrSamlResponse
		}
		if now.Add(x.clockSkew).Before(notBefore) {
			return ErrSamlExpired
		}
	}
	if conditions.NotOnOrAfter != "" {
		notOnOrAfter, err := time.Parse(time.RFC3339, conditions.NotOnOrAfter)
		if err != nil {
			return ErrSamlResponse
		}
		if !now.Add(-x.clockSkew).Before(notOnOrAfter) {
			return ErrSamlExpired
		}
	}
	return nil
}

// decryptAssertion unwraps an EncryptedAssertion: the session key is
// unwrapped with the SP private key (RSA-OAEP or RSA-1_5), then the payload
// is AES-CBC decrypted with the IV carried in the first block.
func (x *samlProvider) decryptAssertion(encrypted *samlEncryptedAssertion) (*samlAssertion, error) {
	wrappedKey, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encrypted.EncryptedData.EncryptedKey.CipherValue))
	if err != nil {
		return nil, err
	}
	var sessionKey []byte
	switch encrypted.EncryptedData.EncryptedKey.EncryptionMethod.Algorithm {
	case "http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p":
		sessionKey, err = rsa.DecryptOAEP(sha1.New(), nil, x.spKey, wrappedKey, nil)
	case "http://www.w3.org/2001/04/xmlenc#rsa-1_5":
		sessionKey, err = rsa.DecryptPKCS1v15(nil, x.spKey, wrappedKey)
	default:
		return nil, fmt.Errorf("unsupported key transport %v", encrypted.EncryptedData.EncryptedKey.EncryptionMethod.Algorithm)
	}
	if err != nil {
		return nil, err
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encrypted.EncryptedData.CipherValue))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(payload) < aes.BlockSize || len(payload)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted assertion payload is not block-aligned")
	}
	iv, ciphertext := payload[:aes.BlockSize], payload[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	// Strip the CBC padding.
	padding := int(plaintext[len(plaintext)-1])
	if padding < 1 || padding > aes.BlockSize || padding > len(plaintext) {
		return nil, fmt.Errorf("bad padding on encrypted assertion")
	}
	plaintext = plaintext[:len(plaintext)-padding]

	var assertion samlAssertion
	if err := xml.Unmarshal(plaintext, &assertion); err != nil {
		return nil, err
	}
	return &assertion, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// SP metadata

type samlEntityDescriptor struct {
	XMLName         xml.Name            `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
	EntityID        string              `xml:"entityID,attr"`
	SPSSODescriptor samlSPSSODescriptor `xml:"SPSSODescriptor"`
}

type samlSPSSODescriptor struct {
	ProtocolSupportEnumeration string                         `xml:"protocolSupportEnumeration,attr"`
	KeyDescriptors             []samlKeyDescriptor            `xml:"KeyDescriptor"`
	AssertionConsumerServices  []samlAssertionConsumerService `xml:"AssertionConsumerService"`
}

type samlKeyDescriptor struct {
	Use         string `xml:"use,attr"`
	Certificate string `xml:"KeyInfo>X509Data>X509Certificate"`
}

type samlAssertionConsumerService struct {
	Binding  string `xml:"Binding,attr"`
	Location string `xml:"Location,attr"`
	Index    int    `xml:"index,attr"`
}

func (x *samlProvider) metadata(w http.ResponseWriter, r *http.Request) {
	cert := base64.StdEncoding.EncodeToString(x.spCertDER)
	descriptor := samlEntityDescriptor{
		EntityID: x.entityID,
		SPSSODescriptor: samlSPSSODescriptor{
			ProtocolSupportEnumeration: "urn:oasis:names:tc:SAML:2.0:protocol",
			KeyDescriptors: []samlKeyDescriptor{
				{Use: "signing", Certificate: cert},
				{Use: "encryption", Certificate: cert},
			},
			AssertionConsumerServices: []samlAssertionConsumerService{
				{
					Binding:  "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST",
					Location: x.acsURL(r),
					Index:    1,
				},
			},
		},
	}
	encoded, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		HttpSendError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xml.Header))
	w.Write(encoded)
}
